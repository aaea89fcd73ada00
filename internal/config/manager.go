package config

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Manager holds the current Config and a monotonically increasing
// generation counter bumped on every reload, so callers (the verification
// cache) can treat entries written under a prior generation as stale
// without a full flush mid-request.
type Manager struct {
	path string
	log  *zap.Logger

	mu         sync.RWMutex
	cfg        *Config
	generation int64
}

// NewManager loads path once and returns a Manager. log may be nil.
func NewManager(path string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, log: log, cfg: cfg, generation: 1}, nil
}

// Current returns the active config and its generation.
func (m *Manager) Current() (*Config, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.generation
}

// Reload re-reads the config file and, on success, swaps it in and bumps
// the generation counter. On failure the previous config remains active.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Error("config reload failed, keeping previous config", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	newGen := atomic.AddInt64(&m.generation, 1)
	m.mu.Unlock()
	m.log.Info("config reloaded", zap.Int64("generation", newGen))
	return nil
}

// WatchSIGHUP reloads on every SIGHUP until ctx is cancelled. Intended to
// run in its own goroutine from cmd/tollbooth's main.
func (m *Manager) WatchSIGHUP(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			_ = m.Reload()
		}
	}
}
