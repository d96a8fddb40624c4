// Package breaker sheds question traffic when errors or request volume spike.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultErrorThreshold   = 10
	defaultRequestThreshold = 100
	defaultWindow           = 60 * time.Second
)

type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// ErrorThreshold errors or RequestThreshold requests within Window open
	// the breaker. It closes again once both counts are below half their
	// thresholds.
	ErrorThreshold   int
	RequestThreshold int
	Window           time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ErrorThreshold == 0 {
		cfg.ErrorThreshold = defaultErrorThreshold
	}
	if cfg.RequestThreshold == 0 {
		cfg.RequestThreshold = defaultRequestThreshold
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.ErrorThreshold < 0 || cfg.RequestThreshold < 0 || cfg.Window < 0 {
		return errors.New("thresholds and window must be positive")
	}
	return nil
}

type Breaker struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	errors   []time.Time
	requests []time.Time
	open     bool
}

func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate breaker config: %w", err)
	}
	return &Breaker{log: cfg.Logger, cfg: cfg}, nil
}

func (b *Breaker) RecordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.errors = append(prune(b.errors, now, b.cfg.Window), now)
	if len(b.errors) >= b.cfg.ErrorThreshold && !b.open {
		b.open = true
		b.log.Warn("breaker: opened on errors", "errors", len(b.errors), "window", b.cfg.Window)
	}
}

func (b *Breaker) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.requests = append(prune(b.requests, now, b.cfg.Window), now)
	if len(b.requests) >= b.cfg.RequestThreshold && !b.open {
		b.open = true
		b.log.Warn("breaker: opened on request volume", "requests", len(b.requests), "window", b.cfg.Window)
	}
}

// Open reports whether requests should be rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.errors = prune(b.errors, now, b.cfg.Window)
	b.requests = prune(b.requests, now, b.cfg.Window)
	if b.open && len(b.errors) < b.cfg.ErrorThreshold/2 && len(b.requests) < b.cfg.RequestThreshold/2 {
		b.open = false
		b.log.Info("breaker: closed", "errors", len(b.errors), "requests", len(b.requests))
	}
	return b.open
}

func (b *Breaker) State() State {
	if b.Open() {
		return StateOpen
	}
	return StateClosed
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = nil
	b.requests = nil
	b.open = false
}

// prune drops entries older than window.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
