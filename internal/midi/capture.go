package midi

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Worker republishes controller values from every configured input device into the region.
// It is the only writer of the cc.* keys and of the listener list.
type Worker struct {
	region   state.Region
	source   Source
	devices  []int
	batch    int
	interval time.Duration
	logger   *slog.Logger

	listeners map[int]Input
	failed    map[int]struct{}
	dirty     bool
	events    metric.Int64Counter
}

func NewWorker(cfg config.MIDIConfig, region state.Region, source Source, log *slog.Logger) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	w := &Worker{
		region:    region,
		source:    source,
		devices:   slices.Clone(cfg.Devices),
		batch:     batch,
		interval:  interval,
		logger:    log.With(slog.String("component", "midi-capture")),
		listeners: make(map[int]Input),
		failed:    make(map[int]struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-live/midi")
	if counter, err := meter.Int64Counter("loqa.live.midi.events", metric.WithDescription("Controller events published")); err == nil {
		w.events = counter
	}
	return w
}

// Run polls until ctx is done, then closes every listener it opened.
func (w *Worker) Run(ctx context.Context) error {
	defer w.close()
	w.logger.Info("midi capture started", slog.String("backend", w.source.Name()), slog.Any("devices", w.devices))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("midi capture stopping")
			return nil
		case <-timer.C:
		}
		w.Step(ctx)
		timer.Reset(w.interval)
	}
}

// Step runs one polling iteration and returns the number of events published.
func (w *Worker) Step(ctx context.Context) int {
	w.refreshDevices(ctx)

	published := 0
	for _, id := range w.devices {
		in, ok := w.listener(id)
		if !ok {
			continue
		}
		pending, err := in.Poll()
		if err != nil {
			w.logger.Warn("midi poll failed", slog.Int("device", id), slogError(err))
			continue
		}
		if !pending {
			continue
		}
		batch, err := in.Read(w.batch)
		if err != nil {
			w.logger.Warn("midi read failed", slog.Int("device", id), slogError(err))
			continue
		}
		for _, cc := range batch {
			if err := state.PutJSON(ctx, w.region, state.CCKey(id, cc.Controller), cc.Value); err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Warn("publish controller value failed", slog.Int("device", id), slog.Int("cc", cc.Controller), slogError(err))
				}
				continue
			}
			published++
		}
		if w.events != nil && len(batch) > 0 {
			w.events.Add(ctx, int64(len(batch)), metric.WithAttributes(attribute.Int("device", id)))
		}
	}
	if w.dirty {
		w.publishListeners(ctx)
	}
	return published
}

// Listening returns the ids with an open listener, sorted.
func (w *Worker) Listening() []int {
	ids := make([]int, 0, len(w.listeners))
	for id := range w.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// refreshDevices adopts the device list from the region when one is published there.
// A changed list clears remembered open failures so replugged devices get another try.
func (w *Worker) refreshDevices(ctx context.Context) {
	var devices []int
	if _, err := state.GetJSON(ctx, w.region, state.KeyMIDIDevices, &devices); err != nil {
		return
	}
	if slices.Equal(devices, w.devices) {
		return
	}
	w.logger.Info("midi device list changed", slog.Any("devices", devices))
	w.devices = devices
	clear(w.failed)
}

// listener opens device id on first use. Each id is opened at most once; a failed open is
// logged once and not retried until the device list changes.
func (w *Worker) listener(id int) (Input, bool) {
	if in, ok := w.listeners[id]; ok {
		return in, true
	}
	if _, failed := w.failed[id]; failed {
		return nil, false
	}
	in, err := w.source.Open(id)
	if err != nil {
		w.logger.Warn("midi device unavailable", slog.Int("device", id), slogError(err))
		w.failed[id] = struct{}{}
		return nil, false
	}
	w.logger.Info("midi listener opened", slog.Int("device", id))
	w.listeners[id] = in
	w.dirty = true
	return in, true
}

func (w *Worker) publishListeners(ctx context.Context) {
	if err := state.PutJSON(ctx, w.region, state.KeyMIDIListeners, w.Listening()); err != nil {
		w.logger.Warn("publish midi listeners failed", slogError(err))
		return
	}
	w.dirty = false
}

func (w *Worker) close() {
	for id, in := range w.listeners {
		if err := in.Close(); err != nil {
			w.logger.Warn("close midi listener failed", slog.Int("device", id), slogError(err))
		}
	}
	if err := w.source.Close(); err != nil {
		w.logger.Warn("close midi source failed", slogError(err))
	}
}
