package mfc

import (
	"context"
	"io"
)

// Unit placeholders.
const (
	UnknownUnit  = "N/A"
	UnknownValve = "N/A"
)

// UnitPercent is the unit code used for setpoint writes (percent of full scale).
const UnitPercent byte = 57

// Reading is one numeric value reported by a device together with its unit tag.
type Reading struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Unknown is the sentinel used for every quantity not read successfully yet.
var Unknown = Reading{Value: 0, Unit: UnknownUnit}

// ValveCommand is the valve override written to the device.
type ValveCommand byte

const (
	ValveRegulating ValveCommand = 0
	ValveOpening    ValveCommand = 1
	ValveClosing    ValveCommand = 2
)

var valveActions = map[string]ValveCommand{
	"Opening":    ValveOpening,
	"Closing":    ValveClosing,
	"Regulating": ValveRegulating,
}

// ParseValveAction maps an operator action label to its valve command.
func ParseValveAction(action string) (ValveCommand, bool) {
	cmd, ok := valveActions[action]
	return cmd, ok
}

func (v ValveCommand) String() string {
	switch v {
	case ValveRegulating:
		return "Regulating"
	case ValveOpening:
		return "Opening"
	case ValveClosing:
		return "Closing"
	}
	return UnknownValve
}

type RampMode byte

const (
	RampDisabled RampMode = 0
	RampLinear   RampMode = 4 // linear up and down
)

type TotalizerMode byte

const (
	TotalizerStop  TotalizerMode = 0
	TotalizerStart TotalizerMode = 1
	TotalizerReset TotalizerMode = 2
)

// Gas ids probed during activation.
const (
	FirstGasID = 1
	LastGasID  = 4
)

// Driver performs the request/response exchanges with one bound device.
// Callers hold the bus for the duration of each call; a Driver never locks.
// Every method may fail; failures are local to the channel.
type Driver interface {
	ProbeAddress(ctx context.Context) error
	SelectGas(ctx context.Context, gasID int) error
	ReadGasName(ctx context.Context, gasID int) ([]byte, error)
	EnableTotalizer(ctx context.Context, mode TotalizerMode) error

	ReadFlowRate(ctx context.Context, gasID int) (Reading, error)
	ReadDynamic(ctx context.Context) (Reading, error)
	ReadFullScaleFlowRate(ctx context.Context, gasID int) (Reading, error)
	ReadTotalizerValue(ctx context.Context) (Reading, error)
	ReadValveLabel(ctx context.Context) (string, error)

	WriteSetpoint(ctx context.Context, value float64, units byte) error
	SetValve(ctx context.Context, cmd ValveCommand) error
	WriteRampControl(ctx context.Context, mode RampMode) error
	WriteRampDuration(ctx context.Context, seconds float64) error
	WriteTotalizerControl(ctx context.Context, mode TotalizerMode) error
}

// DriverFactory binds a new protocol identity to channel index on an open port.
type DriverFactory func(port io.ReadWriter, index int, label string) Driver
