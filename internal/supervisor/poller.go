package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

type telemetry struct {
	flow      mfc.Reading
	temp      mfc.Reading
	fullScale mfc.Reading
	total     mfc.Reading
	valve     string
}

func (s *Supervisor) runPoller(ctx context.Context, sess *session) {
	defer close(sess.done)

	pollCh := make(chan ZeroSignal, 1)
	go func() {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case pollCh <- Zero: // drop if one is queued
				default:
				}
			}
		}
	}()

	logging.Info("poller started", "port", sess.port.Name(), "poll", s.pollInterval.Milliseconds(), "channels", len(s.channels))
	for {
		select {
		case <-ctx.Done():
			logging.Info("poller stopped", "port", sess.port.Name())
			return
		case <-pollCh:
			s.pollOnce(ctx, sess.gen)
			s.publish(ctx)
		}
	}
}

// pollOnce visits every channel in index order. Cancellation is checked
// between channels only.
func (s *Supervisor) pollOnce(ctx context.Context, gen uint64) {
	for _, ch := range s.channels {
		if ctx.Err() != nil {
			return
		}
		s.pollChannel(ctx, gen, ch)
	}
}

func (s *Supervisor) pollChannel(ctx context.Context, gen uint64, ch *channel) {
	// a command owns the channel; pick it up next cycle
	if !ch.mu.TryLock() {
		return
	}
	defer ch.mu.Unlock()

	s.mu.Lock()
	st := &ch.state
	if !st.Active || ch.driver == nil || ch.gen != gen {
		s.mu.Unlock()
		return
	}
	if st.SelectedGas == 0 && len(st.AvailableGases) > 0 {
		st.SelectedGas = st.GasNameToID[st.AvailableGases[0]]
	}
	gas, drv, idx := st.SelectedGas, ch.driver, st.Index
	s.mu.Unlock()
	if gas == 0 {
		return
	}

	// exchanges already started run to completion
	xctx := context.WithoutCancel(ctx)

	var t telemetry
	err := s.withBus(gen, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: driver panic: %v", mfc.ErrExchange, r)
			}
		}()
		t, err = readTelemetry(xctx, drv, gas)
		return err
	})
	if errors.Is(err, mfc.ErrNotConnected) {
		return
	}
	now := s.now()

	s.mu.Lock()
	if ch.gen != gen || !st.Active {
		s.mu.Unlock()
		return
	}
	if err != nil {
		ch.failures++
		ch.resetTelemetry()
		if s.maxPollFailures > 0 && ch.failures >= s.maxPollFailures {
			ch.unbind()
			logging.Warn("channel deactivated after consecutive poll failures", "channel", idx, "failures", s.maxPollFailures, "error", err)
		} else {
			logging.Warn("poll failed", "channel", idx, "failures", ch.failures, "error", err)
		}
		s.mu.Unlock()
		return
	}

	ch.failures = 0
	st.Measured = t.flow
	st.Temperature = t.temp
	st.FullScale = t.fullScale
	st.Totalized = t.total
	st.Valve = t.valve

	fs := st.FullScaleValue()
	if fs > 0 && st.Setpoint > fs {
		st.Setpoint = fs
		st.pendingSetpoint = true
	}
	// a percent written against another full scale no longer means the same flow
	if fs > 0 && st.Setpoint > 0 && st.writtenFullScale > 0 && fs != st.writtenFullScale {
		st.pendingSetpoint = true
	}
	st.MeasurementHistory.Append(Sample{Value: t.flow.Value, Time: now})
	st.SetpointHistory.Append(Sample{Value: st.Setpoint, Time: now})

	apply := st.pendingSetpoint && fs > 0
	sp := st.Setpoint
	s.mu.Unlock()

	if !apply {
		return
	}
	err = s.withBus(gen, func() error { return drv.WriteSetpoint(xctx, sp/fs*100, mfc.UnitPercent) })
	if err != nil {
		logging.Debug("deferred setpoint not applied yet", "channel", idx, "error", err)
		return
	}
	s.mu.Lock()
	st.pendingSetpoint = false
	st.writtenFullScale = fs
	s.mu.Unlock()
	logging.Debug("deferred setpoint applied", "channel", idx, "setpoint", sp, "fullScale", fs)
}

// readTelemetry performs the reads of one poll. A read reporting ErrNoData
// yields the unknown sentinel; any other error fails the whole exchange.
func readTelemetry(ctx context.Context, drv mfc.Driver, gas int) (telemetry, error) {
	var t telemetry
	var err error

	if t.flow, err = orUnknown(drv.ReadFlowRate(ctx, gas)); err != nil {
		return t, fmt.Errorf("flow: %w", err)
	}
	if t.temp, err = orUnknown(drv.ReadDynamic(ctx)); err != nil {
		return t, fmt.Errorf("temperature: %w", err)
	}
	if t.fullScale, err = orUnknown(drv.ReadFullScaleFlowRate(ctx, gas)); err != nil {
		return t, fmt.Errorf("full scale: %w", err)
	}
	if t.total, err = orUnknown(drv.ReadTotalizerValue(ctx)); err != nil {
		return t, fmt.Errorf("totalizer: %w", err)
	}

	label, err := drv.ReadValveLabel(ctx)
	switch {
	case errors.Is(err, mfc.ErrNoData) || (err == nil && label == ""):
		t.valve = mfc.UnknownValve
	case err != nil:
		return t, fmt.Errorf("valve: %w", err)
	default:
		t.valve = label
	}
	return t, nil
}

func orUnknown(r mfc.Reading, err error) (mfc.Reading, error) {
	if errors.Is(err, mfc.ErrNoData) {
		return mfc.Unknown, nil
	}
	if err != nil {
		return mfc.Unknown, err
	}
	return r, nil
}
