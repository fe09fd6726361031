package api

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/settings"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/fisaks/si12/internal/transport"
)

// fakeSupervisor records calls and returns the configured error.
type fakeSupervisor struct {
	size      int
	connected string
	active    map[int]bool
	labels    map[int]string
	err       error
	calls     []string

	setpoint float64
	ramp     float64
}

func newFakeSupervisor(size int) *fakeSupervisor {
	return &fakeSupervisor{size: size, active: map[int]bool{}, labels: map[int]string{}}
}

func (f *fakeSupervisor) record(format string, a ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, a...))
	return f.err
}

func (f *fakeSupervisor) check(idx int) error {
	if idx < 0 || idx >= f.size {
		return fmt.Errorf("%w: %d", mfc.ErrIndex, idx)
	}
	return nil
}

func (f *fakeSupervisor) Size() int { return f.size }

func (f *fakeSupervisor) Connect(name string) error {
	if err := f.record("connect:%s", name); err != nil {
		return err
	}
	f.connected = name
	return nil
}

func (f *fakeSupervisor) Disconnect() {
	_ = f.record("disconnect")
	f.connected = ""
}

func (f *fakeSupervisor) Snapshot() supervisor.Snapshot {
	snap := supervisor.Snapshot{Connected: f.connected != "", Port: f.connected}
	for i := 0; i < f.size; i++ {
		snap.Devices = append(snap.Devices, supervisor.DeviceView{
			Index:  i,
			Tag:    f.labels[i],
			Active: f.active[i],
			Gases:  []string{},
		})
	}
	return snap
}

func (f *fakeSupervisor) History(idx int) (supervisor.ChannelHistory, error) {
	if err := f.check(idx); err != nil {
		return supervisor.ChannelHistory{}, err
	}
	return supervisor.ChannelHistory{
		Index:       idx,
		Measurement: []supervisor.Sample{{Value: 1.5}},
		Setpoint:    []supervisor.Sample{},
	}, nil
}

func (f *fakeSupervisor) Activate(_ context.Context, idx int) error {
	if err := f.check(idx); err != nil {
		return err
	}
	if err := f.record("activate:%d", idx); err != nil {
		return err
	}
	f.active[idx] = true
	return nil
}

func (f *fakeSupervisor) Deactivate(_ context.Context, idx int) error {
	if err := f.check(idx); err != nil {
		return err
	}
	f.active[idx] = false
	return f.record("deactivate:%d", idx)
}

func (f *fakeSupervisor) SetLabel(idx int, text string) (string, error) {
	if err := f.check(idx); err != nil {
		return "", err
	}
	f.labels[idx] = text
	return text, f.record("label:%d:%s", idx, text)
}

func (f *fakeSupervisor) SetSetpoint(_ context.Context, idx int, value float64) error {
	if err := f.check(idx); err != nil {
		return err
	}
	f.setpoint = value
	if math.IsNaN(value) {
		return f.record("setpoint:%d:NaN", idx)
	}
	return f.record("setpoint:%d:%g", idx, value)
}

func (f *fakeSupervisor) SetValveMode(_ context.Context, idx int, action string) error {
	if err := f.check(idx); err != nil {
		return err
	}
	return f.record("valve:%d:%s", idx, action)
}

func (f *fakeSupervisor) ResetTotalizer(_ context.Context, idx int) error {
	if err := f.check(idx); err != nil {
		return err
	}
	return f.record("reset:%d", idx)
}

func (f *fakeSupervisor) ConfigureRamp(_ context.Context, idx int, active bool, seconds float64) error {
	if err := f.check(idx); err != nil {
		return err
	}
	f.ramp = seconds
	return f.record("ramp:%d:%t", idx, active)
}

func (f *fakeSupervisor) SelectGas(_ context.Context, idx int, name string) error {
	if err := f.check(idx); err != nil {
		return err
	}
	return f.record("gas:%d:%s", idx, name)
}

func newTestAPI(t *testing.T, size int) (*API, *fakeSupervisor) {
	t.Helper()
	sup := newFakeSupervisor(size)
	store := settings.Open(filepath.Join(t.TempDir(), "settings.yaml"), size)
	a := New(sup, store)
	a.listPorts = func() ([]transport.PortInfo, error) {
		return []transport.PortInfo{{Name: "/dev/ttyUSB0", IsUSB: true}}, nil
	}
	return a, sup
}
