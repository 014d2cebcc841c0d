// Package launcher makes sure a llama.cpp server is serving the requested
// model before a session talks to it.
package launcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Spec describes the server a session needs.
type Spec struct {
	ModelPath  string
	MMProjPath string
	Multimodal bool
}

// Launcher starts (or finds) and releases inference servers.
type Launcher interface {
	EnsureRunning(ctx context.Context, spec Spec) error
	Release(ctx context.Context, modelPath string) error
}

// HealthChecker reports whether a server is ready to answer.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RemoteConfig configures a Remote launcher.
type RemoteConfig struct {
	Checker      HealthChecker
	PollInterval time.Duration // default 500ms
	ReadyTimeout time.Duration // default 60s
	Logger       *zap.Logger
}

// Remote waits on a server that is supervised elsewhere. It never spawns a
// process; EnsureRunning succeeds once /health answers.
type Remote struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	active string
}

// NewRemote creates a Remote launcher.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Remote{
		checker:  cfg.Checker,
		interval: cfg.PollInterval,
		timeout:  cfg.ReadyTimeout,
		logger:   cfg.Logger,
	}
}

// EnsureRunning polls the health endpoint until it answers, the ready timeout
// passes, or ctx is done.
func (r *Remote) EnsureRunning(ctx context.Context, spec Spec) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = r.checker.Health(ctx); lastErr == nil {
			r.mu.Lock()
			r.active = spec.ModelPath
			r.mu.Unlock()
			r.logger.Debug("inference server ready",
				zap.String("model", spec.ModelPath),
				zap.Bool("multimodal", spec.Multimodal))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("inference server not ready for %s: %w (last error: %v)", spec.ModelPath, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Release forgets the active model. The server itself keeps running.
func (r *Remote) Release(_ context.Context, modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == modelPath {
		r.active = ""
	}
	return nil
}

// Active returns the model path of the last successful EnsureRunning.
func (r *Remote) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
