package supervisor

import (
	"slices"

	"github.com/fisaks/si12/internal/mfc"
)

type RampView struct {
	Active bool    `json:"active"`
	TimeS  float64 `json:"time_s"`
}

// DeviceView is the read-only view of one channel.
type DeviceView struct {
	Index          int         `json:"index"`
	Tag            string      `json:"tag"`
	Active         bool        `json:"active"`
	Setpoint       float64     `json:"setpoint"`
	FullScaleValue float64     `json:"full_scale_value"`
	FullScale      mfc.Reading `json:"full_scale"`
	Measure        mfc.Reading `json:"measure"`
	Temperature    mfc.Reading `json:"temperature"`
	Total          mfc.Reading `json:"total"`
	Valve          string      `json:"valve"`
	Ramp           RampView    `json:"ramp"`
	Gases          []string    `json:"gases"`
	SelectedGas    *int        `json:"selected_gas"`
}

type Snapshot struct {
	Connected bool         `json:"connected"`
	Port      string       `json:"port,omitempty"`
	Devices   []DeviceView `json:"devices"`
}

// Device returns the view of channel idx, or false.
func (s Snapshot) Device(idx int) (DeviceView, bool) {
	if idx < 0 || idx >= len(s.Devices) {
		return DeviceView{}, false
	}
	return s.Devices[idx], true
}

// Snapshot copies the registry under the read lock. Every registry update
// happens inside one write-locked section, so no view is torn.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Devices: make([]DeviceView, len(s.channels))}
	if s.sess != nil {
		snap.Connected = true
		snap.Port = s.sess.port.Name()
	}
	for i, ch := range s.channels {
		snap.Devices[i] = ch.view()
	}
	return snap
}

func (ch *channel) view() DeviceView {
	st := &ch.state
	v := DeviceView{
		Index:          st.Index,
		Tag:            st.Label,
		Active:         st.Active,
		Setpoint:       st.Setpoint,
		FullScaleValue: st.FullScaleValue(),
		FullScale:      st.FullScale,
		Measure:        st.Measured,
		Temperature:    st.Temperature,
		Total:          st.Totalized,
		Valve:          st.Valve,
		Ramp:           RampView{Active: st.RampActive, TimeS: st.RampTimeSeconds},
		Gases:          slices.Clone(st.AvailableGases),
	}
	if v.Gases == nil {
		v.Gases = []string{}
	}
	if st.SelectedGas != 0 {
		g := st.SelectedGas
		v.SelectedGas = &g
	}
	return v
}

type ChannelHistory struct {
	Index       int      `json:"index"`
	Measurement []Sample `json:"measurement"`
	Setpoint    []Sample `json:"setpoint"`
}

// History returns copies of the trend buffers of channel idx.
func (s *Supervisor) History(idx int) (ChannelHistory, error) {
	ch, err := s.channel(idx)
	if err != nil {
		return ChannelHistory{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ChannelHistory{
		Index:       idx,
		Measurement: ch.state.MeasurementHistory.Samples(),
		Setpoint:    ch.state.SetpointHistory.Samples(),
	}, nil
}
