package server

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/stratahq/strata/pkg/exec"
)

const (
	DefaultMaxRows         = 5000
	DefaultTimeout         = 20 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Logger *slog.Logger

	// Listener accepts query protocol connections.
	Listener net.Listener

	// HTTPListener serves /healthz, /readyz and /metrics. Optional.
	HTTPListener net.Listener

	// Backend runs validated queries against the warehouse.
	Backend exec.Backend

	// MaxRows and Timeout are ceilings. Client-requested limits above
	// them are clamped, never honored.
	MaxRows int
	Timeout time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxRows < 0 {
		return errors.New("max rows must be positive")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
