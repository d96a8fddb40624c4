// Package chartstore names, stores and serves rendered chart images.
package chartstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

const DefaultDir = "/tmp/nyc_taxi_charts"

var (
	ErrNotFound    = errors.New("chart not found")
	ErrInvalidPath = errors.New("invalid chart name")
)

var nameRe = regexp.MustCompile(`^chart_[A-Za-z0-9-]+\.png$`)

// Mirror is a remote copy of the chart directory.
type Mirror interface {
	Put(ctx context.Context, name string, data []byte) error
	// Get returns ErrNotFound when the object does not exist.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
}

type Config struct {
	Logger *slog.Logger
	Dir    string
	// Mirror is optional.
	Mirror Mirror
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate chartstore config: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chart directory %s: %w", cfg.Dir, err)
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) Dir() string {
	return s.cfg.Dir
}

// NewName returns a collision-resistant chart file name.
func NewName() string {
	return "chart_" + uuid.NewString() + ".png"
}

// Allocate reserves a fresh name and returns it with the local path to write.
func (s *Store) Allocate() (name, path string) {
	name = NewName()
	return name, filepath.Join(s.cfg.Dir, name)
}

// Path resolves name inside the chart directory. Anything that is not a bare
// chart file name is rejected with ErrInvalidPath.
func (s *Store) Path(name string) (string, error) {
	if name != filepath.Base(name) || !nameRe.MatchString(name) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.cfg.Dir, name), nil
}

// Publish copies a rendered chart to the mirror, if one is configured.
func (s *Store) Publish(ctx context.Context, name string) error {
	if s.cfg.Mirror == nil {
		return nil
	}
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read chart %s: %w", name, err)
	}
	if err := s.cfg.Mirror.Put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to mirror chart %s: %w", name, err)
	}
	s.log.Debug("chartstore: chart mirrored", "name", name, "bytes", len(data))
	return nil
}

// Open returns the chart image. The local directory is checked first, then
// the mirror.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to open chart %s: %w", name, err)
	}
	if s.cfg.Mirror == nil {
		return nil, ErrNotFound
	}

	rc, err := s.cfg.Mirror.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored chart %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn("chartstore: failed to cache mirrored chart", "name", name, "error", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
