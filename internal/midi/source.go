package midi

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoSource is returned by Select when none of the configured backends could start.
var ErrNoSource = errors.New("midi: no usable source backend")

// ControlChange is a single controller message. Both fields are in 0..127.
type ControlChange struct {
	Controller int
	Value      int
}

type Device struct {
	ID   int
	Name string
}

// Input is an opened device. Read never blocks.
type Input interface {
	Poll() (bool, error)
	Read(max int) ([]ControlChange, error)
	Close() error
}

// Source enumerates and opens input devices for one backend.
type Source interface {
	Name() string
	Devices() ([]Device, error)
	Open(id int) (Input, error)
	Close() error
}

// pushLatest queues cc without blocking. When the queue is full the oldest event is
// dropped, so the last value sent by a controller always reaches the reader.
func pushLatest(queue chan ControlChange, cc ControlChange) {
	for {
		select {
		case queue <- cc:
			return
		default:
		}
		select {
		case <-queue:
		default:
		}
	}
}

// Factory starts a backend. Backends register themselves from init.
type Factory func() (Source, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Backends lists registered backend names.
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

// Select starts the first backend in names that initializes.
func Select(names []string, logger *slog.Logger) (Source, error) {
	var errs []error
	for _, name := range names {
		backendsMu.RLock()
		factory, ok := backends[name]
		backendsMu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%s: not compiled in", name))
			continue
		}
		src, err := factory()
		if err != nil {
			logger.Warn("midi backend unavailable", slog.String("backend", name), slogError(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info("midi backend selected", slog.String("backend", name))
		return src, nil
	}
	return nil, errors.Join(append([]error{ErrNoSource}, errs...)...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
