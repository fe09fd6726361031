package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fisaks/si12/internal/api"
	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/state"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/fisaks/si12/internal/util"
)

// Controller is the part of *api.API driven by incoming commands.
type Controller interface {
	AppInfo() api.Info
	Snapshot() supervisor.Snapshot
	Connect(name string) (supervisor.Snapshot, error)
	Disconnect() supervisor.Snapshot
	SetLabel(idx int, text string) (supervisor.Snapshot, error)
	Toggle(ctx context.Context, idx int, on bool) (supervisor.Snapshot, error)
	SetSetpoint(ctx context.Context, idx int, value any) (supervisor.Snapshot, error)
	SetValve(ctx context.Context, idx int, action string) (supervisor.Snapshot, error)
	ResetTotal(ctx context.Context, idx int) (supervisor.Snapshot, error)
	SetRamp(ctx context.Context, idx int, active bool, seconds any) (supervisor.Snapshot, error)
	SelectGas(ctx context.Context, idx int, name string) (supervisor.Snapshot, error)
}

// Command is the payload of <prefix>/cmd. Value carries the setpoint, the
// valve action, the gas name, the label or the port depending on Action.
type Command struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
	Value  any    `json:"value"`
	Active bool   `json:"active"`
	Time   any    `json:"time"`
}

type ConnectionState struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port,omitempty"`
}

type CommandResult struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// SupervisorBroker publishes supervisor snapshots to MQTT and routes
// commands back. It implements supervisor.SnapshotPublisher.
type SupervisorBroker struct {
	Broker
	channelState      state.ChannelStateStore
	heartbeatInterval time.Duration

	mu       sync.Mutex
	lastConn *ConnectionState
	ctrl     Controller
}

func NewSupervisorBroker(broker Broker, heartbeatInterval time.Duration) *SupervisorBroker {
	b := &SupervisorBroker{
		Broker:            broker,
		channelState:      state.NewChannelStateStore(),
		heartbeatInterval: heartbeatInterval,
	}
	broker.AddOnConnectPublisher("info", b.infoPublisher)
	return b
}

// infoPublisher runs on every broker (re)connect. Clearing the channel
// store makes the next snapshot republish every channel.
func (b *SupervisorBroker) infoPublisher() (PublishRequest, error) {
	b.channelState.Clear()
	b.mu.Lock()
	b.lastConn = nil
	ctrl := b.ctrl
	b.mu.Unlock()
	if ctrl == nil {
		return PublishRequest{}, fmt.Errorf("no controller attached")
	}
	return PublishRequest{
		Topic:   b.Topic("info"),
		Qos:     AtLeastOnce,
		Retain:  true,
		Payload: ctrl.AppInfo(),
	}, nil
}

// StartCommandSubscriber attaches ctrl and subscribes <prefix>/cmd. With
// the broker still offline, info and the subscription follow on connect.
func (b *SupervisorBroker) StartCommandSubscriber(ctx context.Context, ctrl Controller) error {
	b.mu.Lock()
	b.ctrl = ctrl
	b.mu.Unlock()

	if b.IsConnected() {
		if err := b.PublishJSON(ctx, b.Topic("info"), AtLeastOnce, true, ctrl.AppInfo()); err != nil {
			logging.Warn("info publish failed", "error", err)
		}
	}
	_, err := b.Subscribe(ctx, b.Topic("cmd"), AtLeastOnce, b.OnMessage)
	return err
}

// Run republishes a snapshot every interval so heartbeats go out also
// while no session is polling.
func (b *SupervisorBroker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			ctrl := b.ctrl
			b.mu.Unlock()
			if ctrl == nil {
				continue
			}
			if err := b.PublishSnapshot(ctx, ctrl.Snapshot()); err != nil {
				logging.Debug("snapshot publish failed", "error", err)
			}
		}
	}
}

func (b *SupervisorBroker) PublishSnapshot(ctx context.Context, snap supervisor.Snapshot) error {
	if !b.IsConnected() {
		return nil
	}
	var firstErr error
	if err := b.publishConnection(ctx, snap); err != nil {
		firstErr = err
	}
	for _, view := range snap.Devices {
		if !b.channelState.NeedsPublish(view.Index, view, b.heartbeatInterval) {
			continue
		}
		topic := b.Topic("channel", strconv.Itoa(view.Index), "state")
		logging.Debug("Publishing channel state", "channel", view.Index, "topic", topic)
		if err := b.PublishJSON(ctx, topic, FireAndForget, true, view); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.channelState.Update(view.Index, view)
	}
	return firstErr
}

func (b *SupervisorBroker) publishConnection(ctx context.Context, snap supervisor.Snapshot) error {
	cur := ConnectionState{Connected: snap.Connected, Port: snap.Port}
	b.mu.Lock()
	same := b.lastConn != nil && *b.lastConn == cur
	b.mu.Unlock()
	if same {
		return nil
	}
	if err := b.PublishJSON(ctx, b.Topic("connection"), AtLeastOnce, true, cur); err != nil {
		return err
	}
	b.mu.Lock()
	b.lastConn = &cur
	b.mu.Unlock()
	return nil
}

func (b *SupervisorBroker) OnMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("Received cmd message", "topic", topic)

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logging.Warn("cmd json", "topic", topic, "error", err)
		return
	}
	snap, err := b.dispatch(ctx, cmd)

	res := CommandResult{Action: cmd.Action, Index: cmd.Index, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		logging.Warn("cmd handling", "action", cmd.Action, "channel", cmd.Index, "error", err)
	}
	if pubErr := b.PublishJSON(ctx, b.Topic("cmd", "result"), AtLeastOnce, false, res); pubErr != nil {
		logging.Warn("cmd result publish failed", "error", pubErr)
	}
	if pubErr := b.PublishSnapshot(ctx, snap); pubErr != nil {
		logging.Warn("snapshot publish failed", "error", pubErr)
	}
}

func (b *SupervisorBroker) dispatch(ctx context.Context, cmd Command) (supervisor.Snapshot, error) {
	b.mu.Lock()
	ctrl := b.ctrl
	b.mu.Unlock()
	if ctrl == nil {
		return supervisor.Snapshot{}, fmt.Errorf("no controller attached")
	}

	text := func() string {
		if s, ok := cmd.Value.(string); ok {
			return s
		}
		return ""
	}

	switch cmd.Action {
	case "connect":
		if text() == "" {
			return ctrl.Snapshot(), fmt.Errorf("connect needs a port name in value")
		}
		return ctrl.Connect(text())
	case "disconnect":
		return ctrl.Disconnect(), nil
	case "toggle":
		on := cmd.Active
		if v, ok := util.ToBool(cmd.Value); ok {
			on = v
		}
		return ctrl.Toggle(ctx, cmd.Index, on)
	case "setpoint":
		return ctrl.SetSetpoint(ctx, cmd.Index, cmd.Value)
	case "valve":
		return ctrl.SetValve(ctx, cmd.Index, text())
	case "reset_total":
		return ctrl.ResetTotal(ctx, cmd.Index)
	case "ramp":
		return ctrl.SetRamp(ctx, cmd.Index, cmd.Active, cmd.Time)
	case "gas":
		return ctrl.SelectGas(ctx, cmd.Index, text())
	case "label":
		return ctrl.SetLabel(cmd.Index, text())
	}
	return ctrl.Snapshot(), fmt.Errorf("unknown action %q", cmd.Action)
}
