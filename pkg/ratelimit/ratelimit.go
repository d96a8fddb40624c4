// Package ratelimit bounds how often a client may ask questions.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPerMinute   = 5
	defaultPerDay      = 50
	defaultGlobalDaily = 1000

	day = 24 * time.Hour
)

// Limiter decides whether a client may make another request.
type Limiter interface {
	// Allow returns an *ExceededError when key is over any limit.
	Allow(key string) error
	// Record counts one request for key.
	Record(key string)
	// Take is Allow followed by Record, with no other request in between.
	Take(key string) error
	Remaining(key string) Quota
}

type Quota struct {
	PerMinute   int `json:"per_minute"`
	PerDay      int `json:"per_day"`
	GlobalDaily int `json:"global_daily"`
}

// ExceededError names the limit a request ran into.
type ExceededError struct {
	Scope string
	Limit int
}

func (e *ExceededError) Error() string {
	switch e.Scope {
	case "global":
		return "Global daily request limit exceeded"
	default:
		return fmt.Sprintf("Rate limit exceeded: %d requests per %s", e.Limit, e.Scope)
	}
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	PerMinute   int
	PerDay      int
	GlobalDaily int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PerMinute < 0 || cfg.PerDay < 0 || cfg.GlobalDaily < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.PerMinute == 0 {
		cfg.PerMinute = defaultPerMinute
	}
	if cfg.PerDay == 0 {
		cfg.PerDay = defaultPerDay
	}
	if cfg.GlobalDaily == 0 {
		cfg.GlobalDaily = defaultGlobalDaily
	}
	return nil
}

// Window is a sliding-window limiter held in memory. Clients that have been
// idle for a day are evicted.
type Window struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	clients *ttlcache.Cache[string, []time.Time]
	global  int
	date    string
}

var _ Limiter = (*Window)(nil)

func New(cfg Config) (*Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ratelimit config: %w", err)
	}
	clients := ttlcache.New(
		ttlcache.WithTTL[string, []time.Time](day),
		ttlcache.WithDisableTouchOnHit[string, []time.Time](),
	)
	go clients.Start()
	return &Window{
		log:     cfg.Logger,
		cfg:     cfg,
		clients: clients,
	}, nil
}

// Close stops the eviction loop.
func (w *Window) Close() {
	w.clients.Stop()
}

func (w *Window) Allow(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allow(key, w.cfg.Clock.Now())
}

func (w *Window) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(key, w.cfg.Clock.Now())
}

// Take checks and records one request for key in a single step.
func (w *Window) Take(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.cfg.Clock.Now()
	if err := w.allow(key, now); err != nil {
		w.log.Info("ratelimit: request rejected", "client", key, "error", err)
		return err
	}
	w.record(key, now)
	return nil
}

func (w *Window) Remaining(key string) Quota {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.cfg.Clock.Now()
	w.rollDate(now)
	lastDay := w.recent(key, now)
	lastMinute := countSince(lastDay, now.Add(-time.Minute))
	return Quota{
		PerMinute:   max(0, w.cfg.PerMinute-lastMinute),
		PerDay:      max(0, w.cfg.PerDay-len(lastDay)),
		GlobalDaily: max(0, w.cfg.GlobalDaily-w.global),
	}
}

func (w *Window) allow(key string, now time.Time) error {
	w.rollDate(now)
	if w.global >= w.cfg.GlobalDaily {
		return &ExceededError{Scope: "global", Limit: w.cfg.GlobalDaily}
	}
	lastDay := w.recent(key, now)
	if countSince(lastDay, now.Add(-time.Minute)) >= w.cfg.PerMinute {
		return &ExceededError{Scope: "minute", Limit: w.cfg.PerMinute}
	}
	if len(lastDay) >= w.cfg.PerDay {
		return &ExceededError{Scope: "day", Limit: w.cfg.PerDay}
	}
	return nil
}

func (w *Window) record(key string, now time.Time) {
	w.rollDate(now)
	times := append(w.recent(key, now), now)
	w.clients.Set(key, times, ttlcache.DefaultTTL)
	w.global++
}

// recent returns the request times for key within the last day.
func (w *Window) recent(key string, now time.Time) []time.Time {
	item := w.clients.Get(key)
	if item == nil {
		return nil
	}
	times := item.Value()
	cutoff := now.Add(-day)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// rollDate resets the global counter when the calendar day changes.
func (w *Window) rollDate(now time.Time) {
	date := now.UTC().Format("2006-01-02")
	if date != w.date {
		w.date = date
		w.global = 0
	}
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && times[i].After(cutoff); i-- {
		n++
	}
	return n
}
