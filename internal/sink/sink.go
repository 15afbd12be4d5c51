// Package sink wraps the audio output devices voices stream to. One backend is active per
// engine; it is chosen once at startup by probing the configured backends in order.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/config"
)

const BitDepth = 16

var (
	// ErrNoBackend means no configured backend could initialize. Playback is disabled.
	ErrNoBackend = errors.New("sink: no usable audio backend")
	// ErrNotWritable is returned by Write on a stream that is closed or has failed.
	ErrNotWritable = errors.New("sink: stream not writable")
)

// Stream is an open output device.
type Stream interface {
	Write(buf *audio.IntBuffer) error
	Close() error
}

// Backend opens streams on named devices. An empty device or "default" selects the
// backend's default output.
type Backend interface {
	Name() string
	Open(device string) (Stream, error)
	Close() error
}

type Factory func(cfg config.AudioConfig, log *slog.Logger) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the first backend in cfg.Backends that initializes, or ErrNoBackend.
func Select(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	var errs []error
	for _, name := range cfg.Backends {
		backendsMu.RLock()
		factory, ok := backends[name]
		backendsMu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown backend", name))
			continue
		}
		backend, err := factory(cfg, log)
		if err != nil {
			log.Warn("audio backend unavailable", slog.String("backend", name), slogError(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		log.Info("audio backend selected", slog.String("backend", name))
		return backend, nil
	}
	return nil, errors.Join(append([]error{ErrNoBackend}, errs...)...)
}

// Format is the stream format every backend is opened with.
func Format(cfg config.AudioConfig) *audio.Format {
	return &audio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate}
}

func isDefault(device string) bool {
	return device == "" || device == "default"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
