// Package settings persists operator preferences: the UI theme and the
// channel labels.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
	"gopkg.in/yaml.v3"
)

const DefaultTheme = "light"

type Settings struct {
	Theme  string   `yaml:"theme" json:"theme"`
	Labels []string `yaml:"labels" json:"labels"`
}

type Store struct {
	path     string
	channels int

	mu  sync.RWMutex
	cur Settings
}

// DefaultPath is settings.yaml under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "si12", "settings.yaml")
}

func Defaults(channels int) Settings {
	return Settings{Theme: DefaultTheme, Labels: mfc.DefaultLabels(channels)}
}

// Open loads path. A missing or unreadable file gives the defaults; the
// store is usable either way.
func Open(path string, channels int) *Store {
	s := &Store{path: path, channels: channels, cur: Defaults(channels)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.Info("no settings file, using defaults", "path", path)
		return s
	case err != nil:
		logging.Warn("cannot read settings, using defaults", "path", path, "error", err)
		return s
	}

	var loaded Settings
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		logging.Warn("malformed settings, using defaults", "path", path, "error", err)
		return s
	}
	s.cur = normalize(loaded, channels)
	return s
}

// normalize pads every label, fills missing ones with defaults and drops
// extra entries.
func normalize(in Settings, channels int) Settings {
	out := Defaults(channels)
	if in.Theme != "" {
		out.Theme = in.Theme
	}
	for i := 0; i < channels && i < len(in.Labels); i++ {
		if in.Labels[i] != "" {
			out.Labels[i] = mfc.PadLabel(in.Labels[i])
		}
	}
	return out
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Settings{Theme: s.cur.Theme, Labels: append([]string(nil), s.cur.Labels...)}
}

func (s *Store) Labels() []string { return s.Get().Labels }

func (s *Store) SetTheme(theme string) error {
	s.mu.Lock()
	s.cur.Theme = theme
	s.mu.Unlock()
	return s.Save()
}

// SetLabel stores the padded label of channel idx and saves.
func (s *Store) SetLabel(idx int, text string) (string, error) {
	if idx < 0 || idx >= s.channels {
		return "", fmt.Errorf("%w: %d", mfc.ErrIndex, idx)
	}
	label := mfc.PadLabel(text)
	s.mu.Lock()
	s.cur.Labels[idx] = label
	s.mu.Unlock()
	return label, s.Save()
}

// Save writes the file through a temp file in the same directory.
func (s *Store) Save() error {
	data, err := yaml.Marshal(s.Get())
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
