package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/knadh/koanf/providers/file"
)

// Store holds the live configuration. Readers call Current for an
// immutable snapshot; Reload and Watch swap in a new one atomically, so a
// request that already took a snapshot finishes with the settings it
// started with.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewStore loads path and returns a Store holding the result.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already-built Config. Reload and Watch on it are
// no-ops. Tests and embedders use it.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(cfg)
	return s
}

// SetLogger replaces the logger used for reload messages. Call it before
// Watch.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Current returns the active snapshot. Callers must not modify it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the file and environment. If the new configuration is
// invalid the previous snapshot stays active and the error is returned.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	s.current.Store(cfg)
	return nil
}

// Watch reloads the configuration whenever the file changes, calling
// onChange with each snapshot that loads successfully. It returns once the
// watcher is running; the watcher stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(*Config)) error {
	if s.path == "" {
		return nil
	}

	f := file.Provider(s.path)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			s.logger.Warn("config watch error", "path", s.path, "error", err)
			return
		}
		if err := s.Reload(); err != nil {
			s.logger.Error("config reload failed, keeping previous settings", "path", s.path, "error", err)
			return
		}
		s.logger.Info("config reloaded", "path", s.path)
		if onChange != nil {
			onChange(s.Current())
		}
	})
	if err != nil {
		return fmt.Errorf("watching config file: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = f.Unwatch()
	}()
	return nil
}
