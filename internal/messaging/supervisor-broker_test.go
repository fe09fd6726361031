package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/si12/internal/api"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	pubs      []published
	subs      map[string]MessageHandler
	onConnect map[string]OnConnectPublisher
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true, subs: map[string]MessageHandler{}, onConnect: map[string]OnConnectPublisher{}}
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Close(context.Context) error   { return nil }
func (f *fakeBroker) IsConnected() bool             { return f.connected }
func (f *fakeBroker) Topic(parts ...string) string {
	return "si12/bench/" + strings.Join(parts, "/")
}

func (f *fakeBroker) Publish(_ context.Context, topic string, _ QoS, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, retain: retain, payload: payload})
	return nil
}

func (f *fakeBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, topic, qos, retain, data)
}

func (f *fakeBroker) Subscribe(_ context.Context, topic string, _ QoS, h MessageHandler) (Subscription, error) {
	f.subs[topic] = h
	return nil, nil
}

func (f *fakeBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) { f.onConnect[id] = fn }

func (f *fakeBroker) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pubs))
	for _, p := range f.pubs {
		out = append(out, p.topic)
	}
	return out
}

func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pubs) - 1; i >= 0; i-- {
		if f.pubs[i].topic == topic {
			return f.pubs[i], true
		}
	}
	return published{}, false
}

func (f *fakeBroker) reset() {
	f.mu.Lock()
	f.pubs = nil
	f.mu.Unlock()
}

type fakeController struct {
	snap  supervisor.Snapshot
	calls []string
	err   error
}

func (c *fakeController) did(call string) (supervisor.Snapshot, error) {
	c.calls = append(c.calls, call)
	return c.snap, c.err
}

func (c *fakeController) AppInfo() api.Info {
	return api.Info{Name: api.AppName, Version: api.AppVersion, Max: len(c.snap.Devices)}
}
func (c *fakeController) Snapshot() supervisor.Snapshot { return c.snap }
func (c *fakeController) Connect(name string) (supervisor.Snapshot, error) {
	return c.did("connect " + name)
}
func (c *fakeController) Disconnect() supervisor.Snapshot {
	s, _ := c.did("disconnect")
	return s
}
func (c *fakeController) SetLabel(idx int, text string) (supervisor.Snapshot, error) {
	return c.did("label " + text)
}
func (c *fakeController) Toggle(_ context.Context, idx int, on bool) (supervisor.Snapshot, error) {
	if on {
		return c.did("on")
	}
	return c.did("off")
}
func (c *fakeController) SetSetpoint(_ context.Context, idx int, value any) (supervisor.Snapshot, error) {
	return c.did("setpoint")
}
func (c *fakeController) SetValve(_ context.Context, idx int, action string) (supervisor.Snapshot, error) {
	return c.did("valve " + action)
}
func (c *fakeController) ResetTotal(context.Context, int) (supervisor.Snapshot, error) {
	return c.did("reset")
}
func (c *fakeController) SetRamp(_ context.Context, idx int, active bool, seconds any) (supervisor.Snapshot, error) {
	return c.did("ramp")
}
func (c *fakeController) SelectGas(_ context.Context, idx int, name string) (supervisor.Snapshot, error) {
	return c.did("gas " + name)
}

func twoChannels() supervisor.Snapshot {
	return supervisor.Snapshot{
		Connected: true,
		Port:      "/dev/ttyUSB0",
		Devices: []supervisor.DeviceView{
			{Index: 0, Tag: "MFC00001", Gases: []string{}},
			{Index: 1, Tag: "MFC00002", Gases: []string{}},
		},
	}
}

func TestPublishSnapshot_OnlyChangedChannels(t *testing.T) {
	fb := newFakeBroker()
	b := NewSupervisorBroker(fb, 0)
	ctx := context.Background()
	snap := twoChannels()

	require.NoError(t, b.PublishSnapshot(ctx, snap))
	assert.ElementsMatch(t, []string{
		"si12/bench/connection",
		"si12/bench/channel/0/state",
		"si12/bench/channel/1/state",
	}, fb.topics())

	fb.reset()
	require.NoError(t, b.PublishSnapshot(ctx, snap))
	assert.Empty(t, fb.topics(), "nothing changed")

	snap.Devices[1].Setpoint = 42
	require.NoError(t, b.PublishSnapshot(ctx, snap))
	assert.Equal(t, []string{"si12/bench/channel/1/state"}, fb.topics())

	p, _ := fb.last("si12/bench/channel/1/state")
	assert.True(t, p.retain)
	var view supervisor.DeviceView
	require.NoError(t, json.Unmarshal(p.payload, &view))
	assert.Equal(t, 42.0, view.Setpoint)
}

func TestPublishSnapshot_ConnectionChange(t *testing.T) {
	fb := newFakeBroker()
	b := NewSupervisorBroker(fb, 0)
	ctx := context.Background()
	snap := twoChannels()

	require.NoError(t, b.PublishSnapshot(ctx, snap))
	fb.reset()

	snap.Connected = false
	snap.Port = ""
	require.NoError(t, b.PublishSnapshot(ctx, snap))
	p, ok := fb.last("si12/bench/connection")
	require.True(t, ok)
	assert.JSONEq(t, `{"connected":false}`, string(p.payload))
}

func TestPublishSnapshot_SkipsWhileBrokerDown(t *testing.T) {
	fb := newFakeBroker()
	fb.connected = false
	b := NewSupervisorBroker(fb, 0)

	require.NoError(t, b.PublishSnapshot(context.Background(), twoChannels()))
	assert.Empty(t, fb.topics())
}

func TestPublishSnapshot_Heartbeat(t *testing.T) {
	fb := newFakeBroker()
	b := NewSupervisorBroker(fb, time.Millisecond)
	ctx := context.Background()
	snap := twoChannels()

	require.NoError(t, b.PublishSnapshot(ctx, snap))
	fb.reset()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.PublishSnapshot(ctx, snap))
	assert.ElementsMatch(t, []string{"si12/bench/channel/0/state", "si12/bench/channel/1/state"}, fb.topics())
}

func TestOnConnect_ClearsAndPublishesInfo(t *testing.T) {
	fb := newFakeBroker()
	b := NewSupervisorBroker(fb, 0)
	ctrl := &fakeController{snap: twoChannels()}
	ctx := context.Background()
	require.NoError(t, b.StartCommandSubscriber(ctx, ctrl))
	require.NoError(t, b.PublishSnapshot(ctx, ctrl.snap))

	req, err := fb.onConnect["info"]()
	require.NoError(t, err)
	assert.Equal(t, "si12/bench/info", req.Topic)
	assert.True(t, req.Retain)

	fb.reset()
	require.NoError(t, b.PublishSnapshot(ctx, ctrl.snap))
	assert.Len(t, fb.topics(), 3, "everything republished after reconnect")
}

func TestStartCommandSubscriber_BrokerOffline(t *testing.T) {
	fb := newFakeBroker()
	fb.connected = false
	b := NewSupervisorBroker(fb, 0)
	ctrl := &fakeController{snap: twoChannels()}

	require.NoError(t, b.StartCommandSubscriber(context.Background(), ctrl))
	assert.Empty(t, fb.topics())
	assert.Contains(t, fb.subs, "si12/bench/cmd")

	fb.connected = true
	req, err := fb.onConnect["info"]()
	require.NoError(t, err)
	assert.Equal(t, "si12/bench/info", req.Topic)
	assert.Equal(t, ctrl.AppInfo(), req.Payload)
}

func TestOnMessage_Routing(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"action":"connect","value":"COM3"}`, "connect COM3"},
		{`{"action":"disconnect"}`, "disconnect"},
		{`{"action":"toggle","index":1,"active":true}`, "on"},
		{`{"action":"toggle","index":1,"value":"off","active":true}`, "off"},
		{`{"action":"setpoint","index":0,"value":"12.5"}`, "setpoint"},
		{`{"action":"valve","index":0,"value":"purge"}`, "valve purge"},
		{`{"action":"reset_total","index":0}`, "reset"},
		{`{"action":"ramp","index":0,"active":true,"time":2}`, "ramp"},
		{`{"action":"gas","index":0,"value":"N2"}`, "gas N2"},
		{`{"action":"label","index":0,"value":"inlet"}`, "label inlet"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			fb := newFakeBroker()
			b := NewSupervisorBroker(fb, 0)
			ctrl := &fakeController{snap: twoChannels()}
			require.NoError(t, b.StartCommandSubscriber(context.Background(), ctrl))

			handler := fb.subs["si12/bench/cmd"]
			require.NotNil(t, handler)
			handler(context.Background(), "si12/bench/cmd", []byte(tt.payload))

			assert.Equal(t, []string{tt.want}, ctrl.calls)
			p, ok := fb.last("si12/bench/cmd/result")
			require.True(t, ok)
			assert.Contains(t, string(p.payload), `"ok":true`)
		})
	}
}

func TestOnMessage_Errors(t *testing.T) {
	fb := newFakeBroker()
	b := NewSupervisorBroker(fb, 0)
	ctrl := &fakeController{snap: twoChannels(), err: mfc.ErrDeviceOff}
	require.NoError(t, b.StartCommandSubscriber(context.Background(), ctrl))

	b.OnMessage(context.Background(), "si12/bench/cmd", []byte(`{"action":"valve","index":1,"value":"open"}`))
	p, ok := fb.last("si12/bench/cmd/result")
	require.True(t, ok)
	var res CommandResult
	require.NoError(t, json.Unmarshal(p.payload, &res))
	assert.False(t, res.OK)
	assert.Equal(t, mfc.ErrDeviceOff.Error(), res.Error)

	fb.reset()
	b.OnMessage(context.Background(), "si12/bench/cmd", []byte(`{"action":"explode"}`))
	p, _ = fb.last("si12/bench/cmd/result")
	assert.Contains(t, string(p.payload), "unknown action")

	fb.reset()
	b.OnMessage(context.Background(), "si12/bench/cmd", []byte(`not json`))
	assert.Empty(t, fb.topics())
}
