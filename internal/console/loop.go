package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const enqueueAttempts = 16

// EventLoop drains queued commands and dispatches them to a Console.
type EventLoop struct {
	region   state.Region
	console  Console
	interval time.Duration
	journal  eventstore.Journal
	runID    string
	logger   *slog.Logger
	handled  metric.Int64Counter
}

// NewEventLoop polls every interval. journal may be nil.
func NewEventLoop(region state.Region, console Console, interval time.Duration, journal eventstore.Journal, runID string, log *slog.Logger) *EventLoop {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	l := &EventLoop{
		region:   region,
		console:  console,
		interval: interval,
		journal:  journal,
		runID:    runID,
		logger:   log.With(slog.String("component", "console")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-live/console").Int64Counter("loqa.live.console.commands",
		metric.WithDescription("Console commands drained from the queue"))
	if err != nil {
		l.logger.Warn("failed to initialize metrics", slogError(err))
	}
	l.handled = counter
	return l
}

// Run polls until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		l.Step(ctx)
		timer.Reset(l.interval)
	}
}

// Step drains the queue once and dispatches every command in order. It returns the
// number of commands drained.
func (l *EventLoop) Step(ctx context.Context) int {
	cmds, err := Drain(ctx, l.region)
	if err != nil {
		if !errors.Is(err, state.ErrConflict) {
			l.logger.Warn("drain commands", slogError(err))
		}
		return 0
	}
	for _, cmd := range cmds {
		l.dispatch(ctx, cmd)
	}
	return len(cmds)
}

func (l *EventLoop) dispatch(ctx context.Context, cmd string) {
	verb, args := Split(cmd)
	handler, ok := l.console.Handler(verb)
	if l.handled != nil {
		l.handled.Add(ctx, 1, metric.WithAttributes(attribute.Bool("known", ok)))
	}
	l.record(ctx, cmd, ok)
	if !ok {
		l.logger.Debug("ignoring command", slog.String("verb", verb))
		return
	}
	if err := handler(ctx, args); err != nil {
		l.logger.Warn("command failed", slog.String("verb", verb), slogError(err))
	}
}

func (l *EventLoop) record(ctx context.Context, cmd string, known bool) {
	if l.journal == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"command": cmd, "known": known})
	if err := l.journal.AppendEvent(ctx, eventstore.Event{RunID: l.runID, Type: eventstore.TypeCommand, Payload: payload}); err != nil {
		l.logger.Debug("journal command", slogError(err))
	}
}

// Drain removes the whole pending batch and returns it. The delete is conditional on the
// revision that was read, so commands appended concurrently are never lost: the drain
// fails with state.ErrConflict and the next call sees the longer batch.
func Drain(ctx context.Context, region state.Region) ([]string, error) {
	var cmds []string
	rev, err := state.GetJSON(ctx, region, state.KeyConsoleCmds, &cmds)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if !errors.As(err, &syntax) && !errors.As(err, &typ) {
			return nil, err
		}
		// A malformed batch can never be dispatched; drop it so the queue recovers.
		cmds = nil
	}
	if err := region.Delete(ctx, state.KeyConsoleCmds, rev); err != nil {
		return nil, err
	}
	return cmds, nil
}

// Enqueue appends commands to the pending batch with compare-and-swap retries.
func Enqueue(ctx context.Context, region state.Region, cmds ...string) error {
	if len(cmds) == 0 {
		return nil
	}
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		var pending []string
		rev, err := state.GetJSON(ctx, region, state.KeyConsoleCmds, &pending)
		switch {
		case errors.Is(err, state.ErrNotFound):
			data, _ := json.Marshal(cmds)
			_, err = region.Create(ctx, state.KeyConsoleCmds, data)
		case err != nil:
			return fmt.Errorf("read command queue: %w", err)
		default:
			data, _ := json.Marshal(append(pending, cmds...))
			_, err = region.Update(ctx, state.KeyConsoleCmds, data, rev)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrExists) && !errors.Is(err, state.ErrConflict) {
			return fmt.Errorf("enqueue commands: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("enqueue commands: %w", state.ErrConflict)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
