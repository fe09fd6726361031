package supervisor

import (
	"sync"

	"github.com/fisaks/si12/internal/mfc"
)

const DefaultRampSeconds = 1.0

// ChannelState is the record of one channel slot. All fields are guarded
// by Supervisor.mu.
type ChannelState struct {
	Index int
	Label string

	Active         bool
	SelectedGas    int // 0 = unset
	AvailableGases []string
	GasNameToID    map[string]int

	Setpoint float64
	// pendingSetpoint marks a setpoint the device does not hold yet.
	pendingSetpoint bool
	// writtenFullScale is the full scale the last percent write was based on.
	writtenFullScale float64

	FullScale   mfc.Reading
	Measured    mfc.Reading
	Temperature mfc.Reading
	Totalized   mfc.Reading
	Valve       string

	RampActive      bool
	RampTimeSeconds float64

	MeasurementHistory *History
	SetpointHistory    *History
}

// FullScaleValue is 0 until full scale is known.
func (c *ChannelState) FullScaleValue() float64 {
	if c.FullScale.Value > 0 {
		return c.FullScale.Value
	}
	return 0
}

// channel pairs the record with its binding. mu serializes commands and the
// poller on this channel; it is taken before the bus token.
type channel struct {
	mu sync.Mutex

	state    ChannelState
	driver   mfc.Driver // live binding, nil when inactive
	gen      uint64     // session generation the driver was bound in
	failures int        // consecutive poll failures
}

func newChannel(index int, label string) *channel {
	ch := &channel{
		state: ChannelState{
			Index:              index,
			Label:              mfc.PadLabel(label),
			RampTimeSeconds:    DefaultRampSeconds,
			MeasurementHistory: NewHistory(HistoryCapacity),
			SetpointHistory:    NewHistory(HistoryCapacity),
		},
	}
	ch.resetTelemetry()
	ch.state.GasNameToID = map[string]int{}
	return ch
}

// resetTelemetry puts every read-back quantity back to the unknown sentinel.
func (ch *channel) resetTelemetry() {
	s := &ch.state
	s.FullScale = mfc.Unknown
	s.Measured = mfc.Unknown
	s.Temperature = mfc.Unknown
	s.Totalized = mfc.Unknown
	s.Valve = mfc.UnknownValve
	s.MeasurementHistory.Clear()
	s.SetpointHistory.Clear()
}

// unbind drops the binding and clears everything tied to it. Label, setpoint
// and ramp configuration are kept.
func (ch *channel) unbind() {
	ch.driver = nil
	ch.gen = 0
	ch.failures = 0
	s := &ch.state
	s.Active = false
	s.SelectedGas = 0
	s.AvailableGases = nil
	s.GasNameToID = map[string]int{}
	s.pendingSetpoint = false
	s.writtenFullScale = 0
	ch.resetTelemetry()
}
