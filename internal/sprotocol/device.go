// Package sprotocol talks to Brooks style digital MFCs using long-address
// HART frames. Command numbers follow the manufacturer command set.
package sprotocol

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
)

const (
	cmdReadPrimaryVariable   = 1
	cmdReadDynamicVariables  = 3
	cmdReadUniqueIDByTag     = 11
	cmdReadGasName           = 150
	cmdReadFullScaleRange    = 152
	cmdSelectGas             = 196
	cmdWriteRampControl      = 214
	cmdWriteLinearRamp       = 215
	cmdReadValveOverride     = 230
	cmdWriteValveOverride    = 231
	cmdWriteSetpoint         = 236
	cmdReadTotalizer         = 240
	cmdWriteTotalizerControl = 242
)

// Response codes that carry data and must not fail the exchange.
var warningCodes = map[byte]bool{
	8:  true, // update failure / warning
	14: true, // value truncated
	30: true, // command response truncated
}

const DefaultPreambles = 5

// Device is one MFC on the bus. It never locks; the caller owns the bus.
type Device struct {
	rw        io.ReadWriter
	tag       string
	packedTag [6]byte
	preambles int

	addr  [5]byte
	bound bool
}

var _ mfc.Driver = (*Device)(nil)

func New(rw io.ReadWriter, label string, preambles int) *Device {
	if preambles <= 0 {
		preambles = DefaultPreambles
	}
	return &Device{
		rw:        rw,
		tag:       label,
		packedTag: packTag(label),
		preambles: preambles,
	}
}

// Factory returns a DriverFactory for the supervisor. The channel index is
// only used for logging; devices are found by tag.
func Factory(preambles int) mfc.DriverFactory {
	return func(port io.ReadWriter, index int, label string) mfc.Driver {
		logging.Debug("binding s-protocol device", "channel", index, "label", label)
		return New(port, label, preambles)
	}
}

// Address is the resolved long address, valid after ProbeAddress.
func (d *Device) Address() ([5]byte, bool) { return d.addr, d.bound }

func (d *Device) command(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := d.addr
	if cmd == cmdReadUniqueIDByTag {
		addr = broadcastAddress
	} else if !d.bound {
		return nil, fmt.Errorf("%w: cmd %d: address of %q not resolved", mfc.ErrExchange, cmd, d.tag)
	}

	req := frame{delim: delimRequest, addr: addr, cmd: cmd, data: data}
	if _, err := d.rw.Write(req.encode(d.preambles)); err != nil {
		return nil, fmt.Errorf("%w: cmd %d write: %v", mfc.ErrExchange, cmd, err)
	}
	resp, err := readFrame(d.rw, delimResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: cmd %d read: %v", mfc.ErrExchange, cmd, err)
	}
	if resp.cmd != cmd {
		return nil, fmt.Errorf("%w: cmd %d answered as cmd %d", mfc.ErrExchange, cmd, resp.cmd)
	}
	code := resp.status[0]
	if code&0x80 != 0 {
		return nil, fmt.Errorf("%w: cmd %d communication error 0x%02X", mfc.ErrExchange, cmd, code)
	}
	if code != 0 && !warningCodes[code] {
		return nil, fmt.Errorf("%w: cmd %d response code %d", mfc.ErrExchange, cmd, code)
	}
	return resp.data, nil
}

// ProbeAddress resolves the device long address from its tag.
func (d *Device) ProbeAddress(ctx context.Context) error {
	data, err := d.command(ctx, cmdReadUniqueIDByTag, d.packedTag[:])
	if err != nil {
		return err
	}
	if len(data) < 12 {
		return fmt.Errorf("%w: identity reply of %d bytes", mfc.ErrExchange, len(data))
	}
	mfrID, devType := data[1], data[2]
	d.addr = [5]byte{(mfrID & 0x3F) | 0x80, devType, data[9], data[10], data[11]}
	d.bound = true
	return nil
}

func (d *Device) SelectGas(ctx context.Context, gasID int) error {
	_, err := d.command(ctx, cmdSelectGas, []byte{byte(gasID)})
	return err
}

// ReadGasName returns the raw name bytes, NUL padded as sent by the device.
func (d *Device) ReadGasName(ctx context.Context, gasID int) ([]byte, error) {
	data, err := d.command(ctx, cmdReadGasName, []byte{byte(gasID)})
	if err != nil {
		return nil, err
	}
	// first byte echoes the gas id
	if len(data) > 0 && data[0] == byte(gasID) {
		data = data[1:]
	}
	return bytes.Clone(data), nil
}

func (d *Device) EnableTotalizer(ctx context.Context, mode mfc.TotalizerMode) error {
	return d.WriteTotalizerControl(ctx, mode)
}

func (d *Device) ReadFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	data, err := d.command(ctx, cmdReadPrimaryVariable, nil)
	if err != nil {
		return mfc.Unknown, err
	}
	return reading(data, 0)
}

// ReadDynamic returns the secondary variable (temperature) from the
// dynamic variables reply: current, PV unit+value, SV unit+value.
func (d *Device) ReadDynamic(ctx context.Context) (mfc.Reading, error) {
	data, err := d.command(ctx, cmdReadDynamicVariables, nil)
	if err != nil {
		return mfc.Unknown, err
	}
	return reading(data, 9)
}

func (d *Device) ReadFullScaleFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	data, err := d.command(ctx, cmdReadFullScaleRange, []byte{byte(gasID)})
	if err != nil {
		return mfc.Unknown, err
	}
	return reading(data, 0)
}

func (d *Device) ReadTotalizerValue(ctx context.Context) (mfc.Reading, error) {
	data, err := d.command(ctx, cmdReadTotalizer, nil)
	if err != nil {
		return mfc.Unknown, err
	}
	return reading(data, 0)
}

func (d *Device) ReadValveLabel(ctx context.Context) (string, error) {
	data, err := d.command(ctx, cmdReadValveOverride, nil)
	if err != nil {
		return mfc.UnknownValve, err
	}
	if len(data) < 1 {
		return mfc.UnknownValve, mfc.ErrNoData
	}
	return mfc.ValveCommand(data[0]).String(), nil
}

func (d *Device) WriteSetpoint(ctx context.Context, value float64, units byte) error {
	_, err := d.command(ctx, cmdWriteSetpoint, append([]byte{units}, putFloat(value)...))
	return err
}

func (d *Device) SetValve(ctx context.Context, cmd mfc.ValveCommand) error {
	_, err := d.command(ctx, cmdWriteValveOverride, []byte{byte(cmd)})
	return err
}

func (d *Device) WriteRampControl(ctx context.Context, mode mfc.RampMode) error {
	_, err := d.command(ctx, cmdWriteRampControl, []byte{byte(mode)})
	return err
}

func (d *Device) WriteRampDuration(ctx context.Context, seconds float64) error {
	_, err := d.command(ctx, cmdWriteLinearRamp, putFloat(seconds))
	return err
}

func (d *Device) WriteTotalizerControl(ctx context.Context, mode mfc.TotalizerMode) error {
	_, err := d.command(ctx, cmdWriteTotalizerControl, []byte{byte(mode)})
	return err
}
