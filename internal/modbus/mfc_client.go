// Package modbus drives register-mapped MFCs over Modbus RTU on the shared bus.
package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/goburrow/modbus"
)

const (
	READ  = uint8(1)
	WRITE = uint8(2)

	gasNameRegisters = 8
)

// MFCClient is one Modbus slave on the bus. Each channel gets its own
// client; they all share the session's port.
type MFCClient struct {
	handler *modbus.RTUClientHandler // used as the RTU packager only
	client  modbus.Client
	regs    config.ModbusMapping
	unitId  byte
	label   string

	settleAfterWrite time.Duration
}

var _ mfc.Driver = (*MFCClient)(nil)

func NewMFCClient(port io.ReadWriter, unitId byte, label string, regs config.ModbusMapping, debug bool) *MFCClient {
	// address is unused, the transporter writes to port
	handler := modbus.NewRTUClientHandler("")
	handler.SlaveId = unitId
	tr := &portTransporter{port: port}
	if debug {
		tr.logger = logging.WrapSlog("unit", unitId, "label", label)
	}
	return &MFCClient{
		handler: handler,
		client:  modbus.NewClient2(handler, tr),
		regs:    regs,
		unitId:  unitId,
		label:   label,

		settleAfterWrite: time.Duration(regs.SettleAfterWriteMs) * time.Millisecond,
	}
}

// Factory binds channel index to unit id baseUnitId+index.
func Factory(regs config.ModbusMapping, debug bool) mfc.DriverFactory {
	return func(port io.ReadWriter, index int, label string) mfc.Driver {
		return NewMFCClient(port, regs.BaseUnitId+byte(index), label, regs, debug)
	}
}

func (m *MFCClient) UnitId() byte { return m.unitId }

// withClient runs one exchange, retrying once when the failure looks like a
// line glitch rather than a device answer.
func (m *MFCClient) withClient(ctx context.Context, access uint8, what string, fn func() ([]byte, error)) ([]byte, error) {
	v, err := m.callWithSettle(ctx, access, fn)
	if err != nil && ctx.Err() == nil && isTransient(err) {
		logging.Debug("modbus exchange failed, retrying", "unit", m.unitId, "label", m.label, "what", what, "error", err)
		v, err = m.callWithSettle(ctx, access, fn)
	}
	if err != nil {
		op := "read"
		if access == WRITE {
			op = "write"
		}
		return nil, fmt.Errorf("%w: %s %s unit %d: %v", mfc.ErrExchange, op, what, m.unitId, err)
	}
	return v, nil
}

func (m *MFCClient) callWithSettle(ctx context.Context, access uint8, fn func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	if access == WRITE && m.settleAfterWrite > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.settleAfterWrite):
		}
	}
	return v, nil
}

func isTransient(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "crc") ||
		strings.Contains(s, "i/o") ||
		strings.Contains(s, "reset")
}

func (m *MFCClient) readFloat(ctx context.Context, input bool, addr uint16, what, unit string) (mfc.Reading, error) {
	data, err := m.withClient(ctx, READ, what, func() ([]byte, error) {
		if input {
			return m.client.ReadInputRegisters(addr, 2)
		}
		return m.client.ReadHoldingRegisters(addr, 2)
	})
	if err != nil {
		return mfc.Unknown, err
	}
	if len(data) < 4 {
		return mfc.Unknown, fmt.Errorf("%w: %s returned %d bytes", mfc.ErrNoData, what, len(data))
	}
	v := float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
	if math.IsNaN(v) {
		return mfc.Unknown, fmt.Errorf("%w: %s not a number", mfc.ErrNoData, what)
	}
	return mfc.Reading{Value: v, Unit: unit}, nil
}

func (m *MFCClient) writeFloat(ctx context.Context, addr uint16, what string, v float64) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	_, err := m.withClient(ctx, WRITE, what, func() ([]byte, error) {
		return m.client.WriteMultipleRegisters(addr, 2, b)
	})
	return err
}

func (m *MFCClient) writeRegister(ctx context.Context, addr uint16, what string, v uint16) error {
	_, err := m.withClient(ctx, WRITE, what, func() ([]byte, error) {
		return m.client.WriteSingleRegister(addr, v)
	})
	return err
}

// ProbeAddress checks that the unit answers on its identity register.
func (m *MFCClient) ProbeAddress(ctx context.Context) error {
	_, err := m.withClient(ctx, READ, "identity", func() ([]byte, error) {
		return m.client.ReadHoldingRegisters(m.regs.IdentityRegister, 1)
	})
	return err
}

func (m *MFCClient) SelectGas(ctx context.Context, gasID int) error {
	return m.writeRegister(ctx, m.regs.GasSelect, "gas select", uint16(gasID))
}

func (m *MFCClient) ReadGasName(ctx context.Context, gasID int) ([]byte, error) {
	addr := m.regs.GasNameBase + uint16(gasID-1)*m.regs.GasNameStride
	data, err := m.withClient(ctx, READ, "gas name", func() ([]byte, error) {
		return m.client.ReadHoldingRegisters(addr, gasNameRegisters)
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

func (m *MFCClient) EnableTotalizer(ctx context.Context, mode mfc.TotalizerMode) error {
	return m.WriteTotalizerControl(ctx, mode)
}

func (m *MFCClient) ReadFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	return m.readFloat(ctx, true, m.regs.Flow, "flow", m.regs.FlowUnit)
}

func (m *MFCClient) ReadDynamic(ctx context.Context) (mfc.Reading, error) {
	return m.readFloat(ctx, true, m.regs.Temperature, "temperature", m.regs.TemperatureUnit)
}

func (m *MFCClient) ReadFullScaleFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	addr := m.regs.FullScaleBase + uint16(gasID-1)*2
	return m.readFloat(ctx, false, addr, "full scale", m.regs.FlowUnit)
}

func (m *MFCClient) ReadTotalizerValue(ctx context.Context) (mfc.Reading, error) {
	return m.readFloat(ctx, true, m.regs.Totalizer, "totalizer", m.regs.TotalizerUnit)
}

func (m *MFCClient) ReadValveLabel(ctx context.Context) (string, error) {
	data, err := m.withClient(ctx, READ, "valve override", func() ([]byte, error) {
		return m.client.ReadHoldingRegisters(m.regs.ValveOverride, 1)
	})
	if err != nil {
		return mfc.UnknownValve, err
	}
	if len(data) < 2 {
		return mfc.UnknownValve, mfc.ErrNoData
	}
	return mfc.ValveCommand(binary.BigEndian.Uint16(data)).String(), nil
}

// WriteSetpoint only accepts percent of full scale; the register holds percent.
func (m *MFCClient) WriteSetpoint(ctx context.Context, value float64, units byte) error {
	if units != mfc.UnitPercent {
		return fmt.Errorf("%w: setpoint unit code %d not supported", mfc.ErrExchange, units)
	}
	return m.writeFloat(ctx, m.regs.Setpoint, "setpoint", value)
}

func (m *MFCClient) SetValve(ctx context.Context, cmd mfc.ValveCommand) error {
	return m.writeRegister(ctx, m.regs.ValveOverride, "valve override", uint16(cmd))
}

func (m *MFCClient) WriteRampControl(ctx context.Context, mode mfc.RampMode) error {
	return m.writeRegister(ctx, m.regs.RampMode, "ramp mode", uint16(mode))
}

func (m *MFCClient) WriteRampDuration(ctx context.Context, seconds float64) error {
	return m.writeFloat(ctx, m.regs.RampTime, "ramp time", seconds)
}

func (m *MFCClient) WriteTotalizerControl(ctx context.Context, mode mfc.TotalizerMode) error {
	return m.writeRegister(ctx, m.regs.TotalizerControl, "totalizer control", uint16(mode))
}
