// Package supervisor owns the serial session, the channel registry, the
// channel commands and the background poller for up to twelve MFCs on one
// half-duplex bus.
//
// Lock order: connMu, then a channel's mu, then busMu, then mu. busMu is
// the bus token; every exchange holds it. mu guards the registry and the
// session handle and is never held across an exchange.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/transport"
)

type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap Snapshot) error
}

type session struct {
	port transport.Port
	gen  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Supervisor struct {
	pollInterval    time.Duration
	stopTimeout     time.Duration
	settle          time.Duration
	readTimeout     time.Duration
	maxPollFailures int

	open      transport.Opener
	newDriver mfc.DriverFactory
	now       func() time.Time
	publisher SnapshotPublisher

	connMu sync.Mutex
	busMu  sync.Mutex
	mu     sync.RWMutex

	sess     *session
	gen      uint64
	channels []*channel
}

type Option func(*Supervisor)

func WithOpener(open transport.Opener) Option {
	return func(s *Supervisor) { s.open = open }
}

func WithDriverFactory(f mfc.DriverFactory) Option {
	return func(s *Supervisor) { s.newDriver = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithPublisher is called after every poll cycle and every session change.
func WithPublisher(p SnapshotPublisher) Option {
	return func(s *Supervisor) { s.publisher = p }
}

// New builds the registry with cfg.Channels records. Missing labels get the
// factory default.
func New(cfg *config.SupervisorConfig, labels []string, opts ...Option) *Supervisor {
	n := cfg.Channels
	if n <= 0 || n > mfc.MaxChannels {
		n = mfc.MaxChannels
	}
	s := &Supervisor{
		pollInterval:    cfg.PollInterval(),
		stopTimeout:     cfg.StopTimeout(),
		settle:          cfg.Settle(),
		readTimeout:     cfg.Serial.Timeout(),
		maxPollFailures: cfg.MaxPollFailures,
		open:            transport.Open,
		newDriver:       NewDriverFactory(cfg.Driver, cfg.Serial.Debug),
		now:             time.Now,
		channels:        make([]*channel, n),
	}
	for i := range s.channels {
		label := mfc.DefaultLabel(i)
		if i < len(labels) && labels[i] != "" {
			label = labels[i]
		}
		s.channels[i] = newChannel(i, label)
	}
	for _, o := range opts {
		o(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	return s
}

func (s *Supervisor) Size() int { return len(s.channels) }

func (s *Supervisor) channel(idx int) (*channel, error) {
	if idx < 0 || idx >= len(s.channels) {
		return nil, fmt.Errorf("%w: %d", mfc.ErrIndex, idx)
	}
	return s.channels[idx], nil
}

// Connected reports whether a session is open and the port name.
func (s *Supervisor) Connected() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return false, ""
	}
	return true, s.sess.port.Name()
}

// Connect closes any existing session, opens name and starts the poller.
func (s *Supervisor) Connect(name string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.disconnectLocked()

	port, err := s.open(name, s.readTimeout)
	if err != nil {
		if !errors.Is(err, mfc.ErrTransport) {
			err = fmt.Errorf("%w: %v", mfc.ErrTransport, err)
		}
		logging.Warn("connect failed", "port", name, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.gen++
	sess := &session{port: port, gen: s.gen, cancel: cancel, done: make(chan struct{})}
	s.sess = sess
	s.mu.Unlock()

	go s.runPoller(ctx, sess)
	logging.Info("serial session opened", "port", name, "generation", sess.gen)
	s.publish(context.Background())
	return nil
}

// Disconnect stops the poller, closes the port and deactivates every
// channel. Safe to call without a session.
func (s *Supervisor) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.disconnectLocked() {
		s.publish(context.Background())
	}
}

func (s *Supervisor) disconnectLocked() bool {
	s.mu.RLock()
	sess := s.sess
	s.mu.RUnlock()

	if sess != nil {
		sess.cancel()
		select {
		case <-sess.done:
		case <-time.After(s.stopTimeout):
			logging.Warn("poller did not stop in time", "timeout", s.stopTimeout)
		}
	}

	// waits for an in-flight exchange to finish
	s.busMu.Lock()
	s.mu.Lock()
	s.sess = nil
	for _, ch := range s.channels {
		ch.unbind()
	}
	s.mu.Unlock()
	if sess != nil {
		if err := sess.port.Close(); err != nil {
			logging.Debug("close port", "port", sess.port.Name(), "error", err)
		}
	}
	s.busMu.Unlock()

	if sess != nil {
		logging.Info("serial session closed", "port", sess.port.Name())
	}
	return sess != nil
}

// currentSession returns the open session or ErrNotConnected.
func (s *Supervisor) currentSession() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil, mfc.ErrNotConnected
	}
	return s.sess, nil
}

// withBus runs fn holding the bus token, provided the session of generation
// gen is still open.
func (s *Supervisor) withBus(gen uint64, fn func() error) error {
	s.busMu.Lock()
	defer s.busMu.Unlock()

	s.mu.RLock()
	ok := s.sess != nil && s.sess.gen == gen
	s.mu.RUnlock()
	if !ok {
		return mfc.ErrNotConnected
	}
	return fn()
}

// binding returns the live driver of an active channel. Callers hold ch.mu.
func (s *Supervisor) binding(ch *channel) (mfc.Driver, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil, 0, mfc.ErrNotConnected
	}
	if !ch.state.Active || ch.driver == nil || ch.gen != s.sess.gen {
		return nil, 0, fmt.Errorf("%w: channel %d", mfc.ErrDeviceOff, ch.state.Index)
	}
	return ch.driver, ch.gen, nil
}

func (s *Supervisor) publish(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSnapshot(ctx, s.Snapshot()); err != nil {
		logging.Warn("failed to publish snapshot", "error", err)
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
