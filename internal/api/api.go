// Package api is the control surface used by the REST server, the MQTT
// bridge and the CLI. Every mutating call returns a fresh snapshot, also
// when it fails, so the caller can report the error and still render state.
package api

import (
	"context"
	"fmt"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/settings"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/fisaks/si12/internal/transport"
	"github.com/fisaks/si12/internal/util"
)

const (
	AppName    = "SI12"
	AppVersion = "SI12v1"
)

// Supervisor is the part of *supervisor.Supervisor the control surface uses.
type Supervisor interface {
	Size() int
	Connect(name string) error
	Disconnect()
	Snapshot() supervisor.Snapshot
	History(idx int) (supervisor.ChannelHistory, error)

	Activate(ctx context.Context, idx int) error
	Deactivate(ctx context.Context, idx int) error
	SetLabel(idx int, text string) (string, error)
	SetSetpoint(ctx context.Context, idx int, value float64) error
	SetValveMode(ctx context.Context, idx int, action string) error
	ResetTotalizer(ctx context.Context, idx int) error
	ConfigureRamp(ctx context.Context, idx int, active bool, seconds float64) error
	SelectGas(ctx context.Context, idx int, name string) error
}

type Info struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Max      int               `json:"max"`
	Settings settings.Settings `json:"settings"`
}

type API struct {
	sup       Supervisor
	store     *settings.Store
	listPorts func() ([]transport.PortInfo, error)
}

func New(sup Supervisor, store *settings.Store) *API {
	return &API{sup: sup, store: store, listPorts: transport.ListPorts}
}

func (a *API) AppInfo() Info {
	return Info{Name: AppName, Version: AppVersion, Max: a.sup.Size(), Settings: a.store.Get()}
}

func (a *API) SetTheme(theme string) error {
	return a.store.SetTheme(theme)
}

func (a *API) ListPorts() ([]transport.PortInfo, error) {
	return a.listPorts()
}

func (a *API) Connect(name string) (supervisor.Snapshot, error) {
	err := a.sup.Connect(name)
	return a.sup.Snapshot(), err
}

func (a *API) Disconnect() supervisor.Snapshot {
	a.sup.Disconnect()
	return a.sup.Snapshot()
}

func (a *API) Snapshot() supervisor.Snapshot {
	return a.sup.Snapshot()
}

func (a *API) History(idx int) (supervisor.ChannelHistory, error) {
	return a.sup.History(idx)
}

// SetLabel persists the label, then updates the registry. A failed save is
// logged; the registry still takes the new label.
func (a *API) SetLabel(idx int, text string) (supervisor.Snapshot, error) {
	if idx < 0 || idx >= a.sup.Size() {
		return a.sup.Snapshot(), fmt.Errorf("%w: %d", mfc.ErrIndex, idx)
	}
	if _, err := a.store.SetLabel(idx, text); err != nil {
		logging.Warn("label not persisted", "channel", idx, "error", err)
	}
	_, err := a.sup.SetLabel(idx, text)
	return a.sup.Snapshot(), err
}

func (a *API) Toggle(ctx context.Context, idx int, on bool) (supervisor.Snapshot, error) {
	var err error
	if on {
		err = a.sup.Activate(ctx, idx)
	} else {
		err = a.sup.Deactivate(ctx, idx)
	}
	return a.sup.Snapshot(), err
}

// SetSetpoint takes a number or a numeric string. Anything else is ignored.
func (a *API) SetSetpoint(ctx context.Context, idx int, value any) (supervisor.Snapshot, error) {
	err := a.sup.SetSetpoint(ctx, idx, util.FloatOrNaN(value))
	return a.sup.Snapshot(), err
}

func (a *API) SetValve(ctx context.Context, idx int, action string) (supervisor.Snapshot, error) {
	err := a.sup.SetValveMode(ctx, idx, action)
	return a.sup.Snapshot(), err
}

func (a *API) ResetTotal(ctx context.Context, idx int) (supervisor.Snapshot, error) {
	err := a.sup.ResetTotalizer(ctx, idx)
	return a.sup.Snapshot(), err
}

// SetRamp takes the ramp time as a number or numeric string; anything else
// becomes the one second default.
func (a *API) SetRamp(ctx context.Context, idx int, active bool, seconds any) (supervisor.Snapshot, error) {
	err := a.sup.ConfigureRamp(ctx, idx, active, util.FloatOrNaN(seconds))
	return a.sup.Snapshot(), err
}

func (a *API) SelectGas(ctx context.Context, idx int, name string) (supervisor.Snapshot, error) {
	err := a.sup.SelectGas(ctx, idx, name)
	return a.sup.Snapshot(), err
}
