package state

import (
	"reflect"
	"sync"
	"time"

	"github.com/fisaks/si12/internal/supervisor"
)

// ChannelStateStore remembers the last published view of each channel and
// when it was sent.
type ChannelStateStore interface {
	GetLast(idx int) (supervisor.DeviceView, time.Time, bool)
	Update(idx int, view supervisor.DeviceView)
	HasChanged(idx int, view supervisor.DeviceView) bool
	NeedsPublish(idx int, view supervisor.DeviceView, heartbeat time.Duration) bool
	Clear()
}

type channelStateStore struct {
	store     map[int]supervisor.DeviceView
	heartbeat map[int]time.Time
	now       func() time.Time
	mu        sync.RWMutex
}

func NewChannelStateStore() ChannelStateStore {
	return newChannelStateStore(time.Now)
}

func newChannelStateStore(now func() time.Time) *channelStateStore {
	return &channelStateStore{
		store:     make(map[int]supervisor.DeviceView),
		heartbeat: make(map[int]time.Time),
		now:       now,
	}
}

func (s *channelStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[int]supervisor.DeviceView)
	s.heartbeat = make(map[int]time.Time)
}

func (s *channelStateStore) GetLast(idx int) (supervisor.DeviceView, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.store[idx]
	sent, ok2 := s.heartbeat[idx]
	return view, sent, ok && ok2
}

func (s *channelStateStore) Update(idx int, view supervisor.DeviceView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[idx] = view
	s.heartbeat[idx] = s.now()
}

func (s *channelStateStore) HasChanged(idx int, view supervisor.DeviceView) bool {
	last, _, ok := s.GetLast(idx)
	if !ok {
		return true
	}
	return !deviceViewEqual(last, view)
}

// NeedsPublish is true when the view changed or, with heartbeat > 0, the
// last send is older than heartbeat.
func (s *channelStateStore) NeedsPublish(idx int, view supervisor.DeviceView, heartbeat time.Duration) bool {
	if s.HasChanged(idx, view) {
		return true
	}
	if heartbeat <= 0 {
		return false
	}
	_, sent, _ := s.GetLast(idx)
	return s.now().Sub(sent) > heartbeat
}

func deviceViewEqual(a, b supervisor.DeviceView) bool {
	return reflect.DeepEqual(a, b)
}
