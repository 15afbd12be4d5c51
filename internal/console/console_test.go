package console

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/params"
	"github.com/loqalabs/loqa-live/internal/state"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct{ verb, args string }

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(verb string) HandlerFunc {
	return func(ctx context.Context, args string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call{verb, args})
		return nil
	}
}

type journal struct{ events []eventstore.Event }

func (j *journal) AppendEvent(ctx context.Context, evt eventstore.Event) error {
	j.events = append(j.events, evt)
	return nil
}

func TestStepDispatchesKnownVerbsOnly(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	if err := state.PutJSON(ctx, region, state.KeyConsoleCmds, []string{"vol 10", "unknown_cmd foo"}); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	j := &journal{}
	loop := NewEventLoop(region, Commands{"vol": rec.handler("vol")}, time.Millisecond, j, "run-1", newLogger())

	if n := loop.Step(ctx); n != 2 {
		t.Fatalf("expected 2 commands drained, got %d", n)
	}
	if len(rec.calls) != 1 || rec.calls[0] != (call{"vol", "10"}) {
		t.Fatalf("unexpected calls: %+v", rec.calls)
	}
	if _, err := region.Get(ctx, state.KeyConsoleCmds); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected queue removed, got %v", err)
	}
	if len(j.events) != 2 || j.events[0].Type != eventstore.TypeCommand {
		t.Fatalf("expected both commands journaled, got %+v", j.events)
	}
	if loop.Step(ctx) != 0 || len(rec.calls) != 1 {
		t.Fatal("expected commands to be processed exactly once")
	}
}

func TestHandlerErrorDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	if err := Enqueue(ctx, region, "fail now", "vol 3"); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	loop := NewEventLoop(region, Commands{
		"fail": func(context.Context, string) error { return errors.New("boom") },
		"vol":  rec.handler("vol"),
	}, time.Millisecond, nil, "", newLogger())
	loop.Step(ctx)
	if len(rec.calls) != 1 || rec.calls[0].args != "3" {
		t.Fatalf("expected vol to run after a failing handler, got %+v", rec.calls)
	}
}

func TestEnqueueAppends(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	if err := Enqueue(ctx, region, "a 1"); err != nil {
		t.Fatal(err)
	}
	if err := Enqueue(ctx, region, "b 2", "c 3"); err != nil {
		t.Fatal(err)
	}
	cmds, err := Drain(ctx, region)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !slices.Equal(cmds, []string{"a 1", "b 2", "c 3"}) {
		t.Fatalf("unexpected batch: %v", cmds)
	}
}

// racingRegion appends a command between the drain's read and its delete.
type racingRegion struct {
	state.Region
	once sync.Once
}

func (r *racingRegion) Delete(ctx context.Context, key string, revision uint64) error {
	r.once.Do(func() { _ = Enqueue(ctx, r.Region, "late 1") })
	return r.Region.Delete(ctx, key, revision)
}

func TestDrainKeepsCommandsQueuedDuringDrain(t *testing.T) {
	ctx := context.Background()
	region := &racingRegion{Region: state.NewMemory()}
	if err := Enqueue(ctx, region, "early 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := Drain(ctx, region); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	cmds, err := Drain(ctx, region)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !slices.Equal(cmds, []string{"early 1", "late 1"}) {
		t.Fatalf("expected both commands in the next batch, got %v", cmds)
	}
}

func TestDrainDropsMalformedBatch(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	if _, err := region.Put(ctx, state.KeyConsoleCmds, []byte(`{"not":"a list"}`)); err != nil {
		t.Fatal(err)
	}
	cmds, err := Drain(ctx, region)
	if err != nil || len(cmds) != 0 {
		t.Fatalf("expected empty batch, got %v %v", cmds, err)
	}
	if _, err := region.Get(ctx, state.KeyConsoleCmds); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("expected malformed batch removed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	region := state.NewMemory()
	rec := &recorder{}
	loop := NewEventLoop(region, Commands{"vol": rec.handler("vol")}, 5*time.Millisecond, nil, "", newLogger())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	if err := Enqueue(ctx, region, "vol 7"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.calls)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSplit(t *testing.T) {
	for in, want := range map[string]call{
		"vol 10":         {"vol", "10"},
		"set gain  0.5 ": {"set", "gain  0.5 "},
		"  stop":         {"stop", ""},
		"":               {"", ""},
	} {
		verb, args := Split(in)
		if verb != want.verb || args != want.args {
			t.Fatalf("%q: got (%q, %q)", in, verb, args)
		}
	}
}

func TestShellCommands(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	shell := NewShell(region, newLogger())
	loop := NewEventLoop(region, shell, time.Millisecond, nil, "", newLogger())

	if err := Enqueue(ctx, region,
		"set gain 0.25",
		`set label "two words" drums`,
		"ns drums",
		"set muted true",
		"device hw:2",
		"midi 1 3",
		"get gain",
	); err != nil {
		t.Fatal(err)
	}
	loop.Step(ctx)

	global := params.New(region).All(ctx, params.DefaultNamespace)
	if global["gain"] != 0.25 {
		t.Fatalf("expected numeric gain in global, got %v", global)
	}
	drums := params.New(region).All(ctx, "drums")
	if drums["label"] != "two words" || drums["muted"] != true {
		t.Fatalf("unexpected drums namespace: %v", drums)
	}
	if shell.Namespace() != "drums" {
		t.Fatalf("expected namespace switch, got %s", shell.Namespace())
	}
	var device string
	if _, err := state.GetJSON(ctx, region, state.KeyDevice, &device); err != nil || device != "hw:2" {
		t.Fatalf("expected device hw:2, got %q (%v)", device, err)
	}
	var ids []int
	if _, err := state.GetJSON(ctx, region, state.KeyMIDIDevices, &ids); err != nil || !slices.Equal(ids, []int{1, 3}) {
		t.Fatalf("expected midi devices [1 3], got %v (%v)", ids, err)
	}
}

func TestShellUsageErrors(t *testing.T) {
	shell := NewShell(state.NewMemory(), newLogger())
	ctx := context.Background()
	for verb, args := range map[string]string{
		"set":    "gain",
		"ns":     "",
		"device": "a b",
		"midi":   "x",
	} {
		h, ok := shell.Handler(verb)
		if !ok {
			t.Fatalf("missing handler %s", verb)
		}
		if err := h(ctx, args); !errors.Is(err, errUsage) {
			t.Fatalf("%s %q: expected usage error, got %v", verb, args, err)
		}
	}
}
