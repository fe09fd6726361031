package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
)

// Activate binds a new driver to channel idx using its current label.
// Only a failed address probe or a failed setup write aborts; a gas id that
// does not answer is left out of the menu.
//
// Like every command, once the channel lock is held its bus exchanges ignore
// cancellation of ctx.
func (s *Supervisor) Activate(ctx context.Context, idx int) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	sess, err := s.currentSession()
	if err != nil {
		return err
	}

	s.mu.Lock()
	label := ch.state.Label
	rampActive, rampTime := ch.state.RampActive, ch.state.RampTimeSeconds
	if ch.state.Active {
		ch.unbind()
	}
	s.mu.Unlock()

	log := logging.With("channel", idx, "label", label)
	drv := s.newDriver(sess.port, idx, label)
	gen := sess.gen

	if err := s.withBus(gen, func() error { return drv.ProbeAddress(ctx) }); err != nil {
		log.Warn("activation failed, device did not answer", "error", err)
		return fmt.Errorf("activate channel %d: %w", idx, err)
	}

	var gases []string
	gasIDs := map[string]int{}
	for id := mfc.FirstGasID; id <= mfc.LastGasID; id++ {
		var raw []byte
		err := s.withBus(gen, func() error {
			if err := drv.SelectGas(ctx, id); err != nil {
				return err
			}
			var err error
			raw, err = drv.ReadGasName(ctx, id)
			return err
		})
		if errors.Is(err, mfc.ErrNotConnected) {
			return fmt.Errorf("activate channel %d: %w", idx, err)
		}
		if err != nil {
			log.Debug("gas probe skipped", "gas", id, "error", err)
			continue
		}
		name := gasName(raw)
		if _, dup := gasIDs[name]; name == "" || dup {
			continue
		}
		gases = append(gases, name)
		gasIDs[name] = id
	}

	selected := 0
	valve := mfc.UnknownValve
	err = s.withBus(gen, func() error {
		if len(gases) > 0 {
			if err := drv.SelectGas(ctx, gasIDs[gases[0]]); err != nil {
				return err
			}
			selected = gasIDs[gases[0]]
		}
		if err := drv.EnableTotalizer(ctx, mfc.TotalizerStart); err != nil {
			return err
		}
		if err := applyRamp(ctx, drv, rampActive, rampTime); err != nil {
			return err
		}
		if err := drv.SetValve(ctx, mfc.ValveRegulating); err != nil {
			return err
		}
		valve = readValve(ctx, drv)
		return drv.WriteSetpoint(ctx, 0, mfc.UnitPercent)
	})
	if err != nil {
		log.Warn("activation failed during setup", "error", err)
		return fmt.Errorf("activate channel %d: %w", idx, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.gen != gen {
		return fmt.Errorf("activate channel %d: %w", idx, mfc.ErrNotConnected)
	}
	ch.resetTelemetry()
	ch.driver, ch.gen, ch.failures = drv, gen, 0
	st := &ch.state
	st.Active = true
	st.AvailableGases = gases
	st.GasNameToID = gasIDs
	st.SelectedGas = selected
	st.Setpoint = 0
	st.pendingSetpoint = false
	st.writtenFullScale = 0
	st.Valve = valve
	log.Info("channel activated", "gases", gases)
	return nil
}

// Deactivate always ends with the channel inactive. The shutdown writes are
// best effort and run to completion even if ctx is cancelled.
func (s *Supervisor) Deactivate(ctx context.Context, idx int) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if drv, gen, err := s.binding(ch); err == nil {
		if err := s.withBus(gen, func() error { return drv.WriteSetpoint(ctx, 0, mfc.UnitPercent) }); err != nil {
			logging.Debug("deactivate: zero setpoint failed", "channel", idx, "error", err)
		}
		s.sleep(ctx, s.settle)
		if err := s.withBus(gen, func() error { return drv.WriteRampControl(ctx, mfc.RampDisabled) }); err != nil {
			logging.Debug("deactivate: ramp disable failed", "channel", idx, "error", err)
		}
		logging.Info("channel deactivated", "channel", idx)
	}

	s.mu.Lock()
	ch.unbind()
	ch.state.Setpoint = 0
	s.mu.Unlock()
	return nil
}

// SetLabel stores the padded label. A live binding keeps the old one until
// the channel is reactivated.
func (s *Supervisor) SetLabel(idx int, text string) (string, error) {
	ch, err := s.channel(idx)
	if err != nil {
		return "", err
	}
	label := mfc.PadLabel(text)
	s.mu.Lock()
	ch.state.Label = label
	s.mu.Unlock()
	return label, nil
}

// Labels returns the current label of every channel.
func (s *Supervisor) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.channels))
	for i, ch := range s.channels {
		out[i] = ch.state.Label
	}
	return out
}

// SetSetpoint clamps value and writes it as percent of full scale. With full
// scale unknown the write is deferred to the poller. NaN and infinities are
// ignored.
func (s *Supervisor) SetSetpoint(ctx context.Context, idx int, value float64) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	drv, gen, err := s.binding(ch)
	if err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}

	s.mu.Lock()
	fs := ch.state.FullScaleValue()
	v := clampSetpoint(value, fs)
	ch.state.Setpoint = v
	ch.state.pendingSetpoint = fs == 0
	s.mu.Unlock()

	if fs == 0 {
		logging.Debug("setpoint deferred until full scale is known", "channel", idx, "setpoint", v)
		return nil
	}

	pct := v / fs * 100
	err = s.withBus(gen, func() error { return drv.WriteSetpoint(ctx, pct, mfc.UnitPercent) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ch.state.pendingSetpoint = true
		return err
	}
	ch.state.writtenFullScale = fs
	ch.state.SetpointHistory.Append(Sample{Value: v, Time: s.now()})
	return nil
}

// SetValveMode writes the override for action and reads the valve state
// back. Unknown actions are ignored.
func (s *Supervisor) SetValveMode(ctx context.Context, idx int, action string) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	drv, gen, err := s.binding(ch)
	if err != nil {
		return err
	}
	cmd, ok := mfc.ParseValveAction(action)
	if !ok {
		return nil
	}

	valve := mfc.UnknownValve
	err = s.withBus(gen, func() error {
		if err := drv.SetValve(ctx, cmd); err != nil {
			return err
		}
		valve = readValve(ctx, drv)
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch.state.Valve = valve
	s.mu.Unlock()
	return nil
}

// ResetTotalizer zeroes the device totalizer, keeping the last known unit.
func (s *Supervisor) ResetTotalizer(ctx context.Context, idx int) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	drv, gen, err := s.binding(ch)
	if err != nil {
		return err
	}
	if err := s.withBus(gen, func() error { return drv.WriteTotalizerControl(ctx, mfc.TotalizerReset) }); err != nil {
		return err
	}
	s.mu.Lock()
	ch.state.Totalized.Value = 0
	s.mu.Unlock()
	return nil
}

// ConfigureRamp stores and applies the ramp. seconds that are not a
// positive number become 1.
func (s *Supervisor) ConfigureRamp(ctx context.Context, idx int, active bool, seconds float64) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	drv, gen, err := s.binding(ch)
	if err != nil {
		return err
	}
	seconds = normalizeRampTime(seconds)

	s.mu.Lock()
	ch.state.RampActive = active
	ch.state.RampTimeSeconds = seconds
	s.mu.Unlock()

	return s.withBus(gen, func() error { return applyRamp(ctx, drv, active, seconds) })
}

// SelectGas switches to a gas from the discovered menu. Unknown names are
// ignored.
func (s *Supervisor) SelectGas(ctx context.Context, idx int, name string) error {
	ch, err := s.channel(idx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	drv, gen, err := s.binding(ch)
	if err != nil {
		return err
	}
	s.mu.RLock()
	id, ok := ch.state.GasNameToID[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.withBus(gen, func() error { return drv.SelectGas(ctx, id) }); err != nil {
		return err
	}
	s.mu.Lock()
	ch.state.SelectedGas = id
	s.mu.Unlock()
	return nil
}

func applyRamp(ctx context.Context, drv mfc.Driver, active bool, seconds float64) error {
	if !active {
		return drv.WriteRampControl(ctx, mfc.RampDisabled)
	}
	if err := drv.WriteRampControl(ctx, mfc.RampLinear); err != nil {
		return err
	}
	return drv.WriteRampDuration(ctx, seconds)
}

// readValve never fails; an unreadable valve is reported as unknown.
func readValve(ctx context.Context, drv mfc.Driver) string {
	label, err := drv.ReadValveLabel(ctx)
	if err != nil || label == "" {
		return mfc.UnknownValve
	}
	return label
}

func gasName(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b >= 0x20 && b < 0x7F {
			out = append(out, b)
		}
	}
	return string(bytes.TrimSpace(out))
}

func clampSetpoint(v, fullScale float64) float64 {
	if v < 0 {
		return 0
	}
	if fullScale > 0 && v > fullScale {
		return fullScale
	}
	return v
}

func normalizeRampTime(seconds float64) float64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return DefaultRampSeconds
	}
	return seconds
}
