package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/transport"
	"github.com/stretchr/testify/require"
)

var errBoom = fmt.Errorf("%w: no answer", mfc.ErrExchange)

type setpointWrite struct {
	Value float64
	Units byte
}

type fakeDevice struct {
	gases      map[int]string
	fullScale  float64
	flow       float64
	total      float64
	noTemp     bool
	valve      mfc.ValveCommand
	gas        int
	setpoints  []setpointWrite
	rampMode   mfc.RampMode
	rampTime   float64
	totalizer  []mfc.TotalizerMode
	fail       map[string]error
	panicOn    string
	boundLabel string
}

// fakeBus is shared by all fake drivers of one test and records every
// driver call in order.
type fakeBus struct {
	mu       sync.Mutex
	trace    []string
	devices  map[int]*fakeDevice
	delay    time.Duration
	inFlight int32
	overlap  atomic.Bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{devices: map[int]*fakeDevice{}}
}

func (b *fakeBus) device(idx int) *fakeDevice {
	d, ok := b.devices[idx]
	if !ok {
		d = &fakeDevice{gases: map[int]string{1: "N2", 2: "Ar"}, fail: map[string]error{}}
		b.devices[idx] = d
	}
	return d
}

// with runs fn on the device of idx under the bus lock.
func (b *fakeBus) with(idx int, fn func(d *fakeDevice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.device(idx))
}

func (b *fakeBus) Trace() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.trace...)
}

func (b *fakeBus) ResetTrace() {
	b.mu.Lock()
	b.trace = nil
	b.mu.Unlock()
}

func (b *fakeBus) factory(port io.ReadWriter, index int, label string) mfc.Driver {
	b.with(index, func(d *fakeDevice) { d.boundLabel = label })
	return &fakeDriver{bus: b, idx: index}
}

type fakeDriver struct {
	bus *fakeBus
	idx int
}

func (f *fakeDriver) do(ctx context.Context, name string, fn func(d *fakeDevice) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", mfc.ErrTransport, err)
	}
	b := f.bus
	if atomic.AddInt32(&b.inFlight, 1) > 1 {
		b.overlap.Store(true)
	}
	defer atomic.AddInt32(&b.inFlight, -1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = append(b.trace, fmt.Sprintf("%d:%s", f.idx, name))
	d := b.device(f.idx)
	if d.panicOn == name {
		panic("driver bug")
	}
	if err := d.fail[name]; err != nil {
		return err
	}
	if fn != nil {
		return fn(d)
	}
	return nil
}

func (f *fakeDriver) ProbeAddress(ctx context.Context) error { return f.do(ctx, "probe", nil) }

func (f *fakeDriver) SelectGas(ctx context.Context, gasID int) error {
	return f.do(ctx, "selectGas", func(d *fakeDevice) error {
		if _, ok := d.gases[gasID]; !ok {
			return errBoom
		}
		d.gas = gasID
		return nil
	})
}

func (f *fakeDriver) ReadGasName(ctx context.Context, gasID int) ([]byte, error) {
	var out []byte
	err := f.do(ctx, "readGasName", func(d *fakeDevice) error {
		out = []byte(d.gases[gasID] + "\x00\x00\x00")
		return nil
	})
	return out, err
}

func (f *fakeDriver) EnableTotalizer(ctx context.Context, mode mfc.TotalizerMode) error {
	return f.do(ctx, "enableTotalizer", func(d *fakeDevice) error {
		d.totalizer = append(d.totalizer, mode)
		return nil
	})
}

func (f *fakeDriver) ReadFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	var r mfc.Reading
	err := f.do(ctx, "readFlow", func(d *fakeDevice) error {
		r = mfc.Reading{Value: d.flow, Unit: "ln/min"}
		return nil
	})
	return r, err
}

func (f *fakeDriver) ReadDynamic(ctx context.Context) (mfc.Reading, error) {
	r := mfc.Unknown
	err := f.do(ctx, "readDynamic", func(d *fakeDevice) error {
		if d.noTemp {
			return mfc.ErrNoData
		}
		r = mfc.Reading{Value: 21, Unit: "degC"}
		return nil
	})
	return r, err
}

func (f *fakeDriver) ReadFullScaleFlowRate(ctx context.Context, gasID int) (mfc.Reading, error) {
	r := mfc.Unknown
	err := f.do(ctx, "readFullScale", func(d *fakeDevice) error {
		if d.fullScale == 0 {
			return mfc.ErrNoData
		}
		r = mfc.Reading{Value: d.fullScale, Unit: "ln/min"}
		return nil
	})
	return r, err
}

func (f *fakeDriver) ReadTotalizerValue(ctx context.Context) (mfc.Reading, error) {
	var r mfc.Reading
	err := f.do(ctx, "readTotal", func(d *fakeDevice) error {
		r = mfc.Reading{Value: d.total, Unit: "ln"}
		return nil
	})
	return r, err
}

func (f *fakeDriver) ReadValveLabel(ctx context.Context) (string, error) {
	label := mfc.UnknownValve
	err := f.do(ctx, "readValve", func(d *fakeDevice) error {
		label = d.valve.String()
		return nil
	})
	return label, err
}

func (f *fakeDriver) WriteSetpoint(ctx context.Context, value float64, units byte) error {
	return f.do(ctx, "writeSetpoint", func(d *fakeDevice) error {
		d.setpoints = append(d.setpoints, setpointWrite{Value: value, Units: units})
		return nil
	})
}

func (f *fakeDriver) SetValve(ctx context.Context, cmd mfc.ValveCommand) error {
	return f.do(ctx, "setValve", func(d *fakeDevice) error {
		d.valve = cmd
		return nil
	})
}

func (f *fakeDriver) WriteRampControl(ctx context.Context, mode mfc.RampMode) error {
	return f.do(ctx, "rampControl", func(d *fakeDevice) error {
		d.rampMode = mode
		return nil
	})
}

func (f *fakeDriver) WriteRampDuration(ctx context.Context, seconds float64) error {
	return f.do(ctx, "rampDuration", func(d *fakeDevice) error {
		d.rampTime = seconds
		return nil
	})
}

func (f *fakeDriver) WriteTotalizerControl(ctx context.Context, mode mfc.TotalizerMode) error {
	return f.do(ctx, "totalizerControl", func(d *fakeDevice) error {
		d.totalizer = append(d.totalizer, mode)
		return nil
	})
}

type fakePort struct {
	mu     sync.Mutex
	closes int
}

func (p *fakePort) Read(b []byte) (int, error)  { return 0, io.EOF }
func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return errors.New("close error is swallowed")
}

func (p *fakePort) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeOpener struct {
	mu    sync.Mutex
	ports map[string]*fakePort
}

func (o *fakeOpener) open(name string, timeout time.Duration) (transport.Port, error) {
	if name == "BAD" {
		return nil, errors.New("no such device")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &fakePort{}
	o.ports[name] = p
	return transport.Wrap(name, p), nil
}

func (o *fakeOpener) port(name string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[name]
}

type fixture struct {
	sup    *Supervisor
	bus    *fakeBus
	opener *fakeOpener
	clock  time.Time
}

func testConfig() *config.SupervisorConfig {
	cfg := config.Default()
	cfg.PollIntervalMs = int(time.Hour / time.Millisecond) // tests drive polls by hand
	cfg.SettleMs = 1
	return cfg
}

func newFixture(t *testing.T, cfg *config.SupervisorConfig, opts ...Option) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	f := &fixture{bus: newFakeBus(), opener: &fakeOpener{ports: map[string]*fakePort{}}}
	f.clock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	clock := func() time.Time {
		return f.clock.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	all := append([]Option{
		WithOpener(f.opener.open),
		WithDriverFactory(f.bus.factory),
		WithClock(clock),
	}, opts...)
	f.sup = New(cfg, nil, all...)
	t.Cleanup(f.sup.Disconnect)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sup.Connect("COM3"))
}

func (f *fixture) activate(t *testing.T, idx int) {
	t.Helper()
	require.NoError(t, f.sup.Activate(context.Background(), idx))
}

// poll runs one cycle synchronously on the open session.
func (f *fixture) poll(t *testing.T) {
	t.Helper()
	sess, err := f.sup.currentSession()
	require.NoError(t, err)
	f.sup.pollOnce(context.Background(), sess.gen)
}

func (f *fixture) view(t *testing.T, idx int) DeviceView {
	t.Helper()
	v, ok := f.sup.Snapshot().Device(idx)
	require.True(t, ok)
	return v
}
