package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/render"
	"github.com/loqalabs/loqa-live/internal/sink"
	"github.com/loqalabs/loqa-live/internal/state"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLoader struct {
	mu    sync.Mutex
	loads int
	fail  int
}

func (l *fakeLoader) Compile(ctx context.Context, path string) (generator.Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.loads <= l.fail {
		return generator.Source{}, errors.New("syntax error")
	}
	return generator.Source{Path: path, Mode: "lua", Entry: "play", Digest: "abc"}, nil
}

// scriptedRenderer fails the first failures calls and any call listed in failOn, otherwise
// emits two chunks. It cancels the voice once it has run stopAfter times.
type scriptedRenderer struct {
	mu        sync.Mutex
	calls     int
	failures  int
	failOn    []int
	stopAfter int
	cancel    context.CancelFunc
	requests  []render.Request
}

func (r *scriptedRenderer) Render(ctx context.Context, req render.Request, emit render.EmitFunc) error {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.stopAfter > 0 && call >= r.stopAfter {
		defer r.cancel()
	}
	if call <= r.failures || slices.Contains(r.failOn, call) {
		return errors.New("generator crashed")
	}
	for i := 0; i < 2; i++ {
		buf := &audio.IntBuffer{Format: req.Format(), Data: make([]int, req.ChunkFrames*req.Channels), SourceBitDepth: sink.BitDepth}
		if err := emit(buf); err != nil {
			return err
		}
	}
	return nil
}

type fakeStream struct {
	mu       sync.Mutex
	writes   int
	failNext int
	closed   bool
}

func (s *fakeStream) Write(buf *audio.IntBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrNotWritable
	}
	if s.failNext > 0 {
		s.failNext--
		return sink.ErrNotWritable
	}
	s.writes++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeBackend struct {
	stream  *fakeStream
	err     error
	opens   int
	devices []string
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) Open(device string) (sink.Stream, error) {
	b.opens++
	b.devices = append(b.devices, device)
	if b.err != nil {
		return nil, b.err
	}
	return b.stream, nil
}

type recordingJournal struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (j *recordingJournal) AppendEvent(ctx context.Context, evt eventstore.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return nil
}

func (j *recordingJournal) count(typ string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func audioConfig() config.AudioConfig {
	return config.AudioConfig{Device: "default", SampleRate: 44100, Channels: 2, ChunkFrames: 500}
}

func TestSupervisorKeepsReloadingAfterFailures(t *testing.T) {
	const failures = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{}
	backend := &fakeBackend{stream: stream}
	renderer := &scriptedRenderer{failures: failures, stopAfter: failures + 1, cancel: cancel}
	journal := &recordingJournal{}
	s := New(Options{
		Voice:      config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:      audioConfig(),
		Backend:    backend,
		Loader:     &fakeLoader{},
		Renderer:   renderer,
		Region:     state.NewMemory(),
		Journal:    journal,
		RetryDelay: time.Millisecond,
		Logger:     newLogger(),
	})

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Cycles() != failures+1 {
		t.Fatalf("expected %d cycles, got %d", failures+1, s.Cycles())
	}
	if s.Failures() != failures {
		t.Fatalf("expected %d failures, got %d", failures, s.Failures())
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if backend.opens != 1 {
		t.Fatalf("expected the device to be opened once, got %d", backend.opens)
	}
	if stream.writes != 2 || !stream.closed {
		t.Fatalf("unexpected stream use: writes=%d closed=%v", stream.writes, stream.closed)
	}
	if journal.count(eventstore.TypeCycleFailed) != failures || journal.count(eventstore.TypeCycle) != 1 {
		t.Fatalf("unexpected journal: %+v", journal.events)
	}
}

func TestSupervisorLoadFailureIsALostCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	renderer := &scriptedRenderer{stopAfter: 1, cancel: cancel}
	s := New(Options{
		Voice:      config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:      audioConfig(),
		Backend:    &fakeBackend{stream: &fakeStream{}},
		Loader:     &fakeLoader{fail: 2},
		Renderer:   renderer,
		Region:     state.NewMemory(),
		RetryDelay: time.Millisecond,
		Logger:     newLogger(),
	})
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Cycles() != 3 || s.Failures() != 2 || renderer.calls != 1 {
		t.Fatalf("cycles=%d failures=%d renders=%d", s.Cycles(), s.Failures(), renderer.calls)
	}
}

func TestSupervisorPlaybackDisabled(t *testing.T) {
	renderer := &scriptedRenderer{}
	journal := &recordingJournal{}
	s := New(Options{
		Voice:    config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:    audioConfig(),
		Backend:  &fakeBackend{err: errors.New("device busy")},
		Loader:   &fakeLoader{},
		Renderer: renderer,
		Region:   state.NewMemory(),
		Journal:  journal,
		Logger:   newLogger(),
	})
	err := s.Run(context.Background())
	if !errors.Is(err, ErrPlaybackDisabled) {
		t.Fatalf("expected ErrPlaybackDisabled, got %v", err)
	}
	if renderer.calls != 0 || s.Cycles() != 0 {
		t.Fatal("expected no cycles without an output stream")
	}
	if journal.count(eventstore.TypePlaybackDisabled) != 1 {
		t.Fatalf("expected playback_disabled in journal, got %+v", journal.events)
	}
}

func TestSupervisorWithoutBackend(t *testing.T) {
	s := New(Options{
		Voice:    config.VoiceConfig{ID: "drone"},
		Audio:    audioConfig(),
		Loader:   &fakeLoader{},
		Renderer: &scriptedRenderer{},
		Region:   state.NewMemory(),
		Logger:   newLogger(),
	})
	if err := s.Run(context.Background()); !errors.Is(err, ErrPlaybackDisabled) {
		t.Fatalf("expected ErrPlaybackDisabled, got %v", err)
	}
}

func TestSupervisorWriteFailureKeepsStreamOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{failNext: 1}
	renderer := &scriptedRenderer{stopAfter: 2, cancel: cancel}
	s := New(Options{
		Voice:      config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:      audioConfig(),
		Backend:    &fakeBackend{stream: stream},
		Loader:     &fakeLoader{},
		Renderer:   renderer,
		Region:     state.NewMemory(),
		RetryDelay: time.Millisecond,
		Logger:     newLogger(),
	})
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Failures() != 1 {
		t.Fatalf("expected the aborted cycle to count as a failure, got %d", s.Failures())
	}
	if stream.writes != 2 {
		t.Fatalf("expected the next cycle to stream on the same output, got %d writes", stream.writes)
	}
}

func TestSupervisorSingleCycleWithoutLoop(t *testing.T) {
	loop := false
	renderer := &scriptedRenderer{}
	backend := &fakeBackend{stream: &fakeStream{}}
	region := state.NewMemory()
	if err := state.PutJSON(context.Background(), region, state.KeyDevice, "hw:1"); err != nil {
		t.Fatal(err)
	}
	s := New(Options{
		Voice:    config.VoiceConfig{ID: "hit", Generator: "hit.lua", Loop: &loop},
		Index:    5,
		Audio:    audioConfig(),
		Backend:  backend,
		Loader:   &fakeLoader{},
		Renderer: renderer,
		Region:   region,
		Logger:   newLogger(),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Cycles() != 1 {
		t.Fatalf("expected a single cycle, got %d", s.Cycles())
	}
	if backend.devices[0] != "hw:1" {
		t.Fatalf("expected device from shared state, got %q", backend.devices[0])
	}
	req := renderer.requests[0]
	if req.Index != 5 || req.Digest != "abc" || req.Generator != "hit.lua" || req.Namespace != "global" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestStateString(t *testing.T) {
	if StateStreaming.String() != "streaming" || State(42).String() != "state(42)" {
		t.Fatal("unexpected state names")
	}
}

func TestSupervisorBacksOffWhileCyclesFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	journal := &recordingJournal{}
	s := New(Options{
		Voice:      config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:      audioConfig(),
		Backend:    &fakeBackend{stream: &fakeStream{}},
		Loader:     &fakeLoader{fail: 1 << 30},
		Renderer:   &scriptedRenderer{},
		Region:     state.NewMemory(),
		Journal:    journal,
		RetryDelay: 20 * time.Millisecond,
		Logger:     newLogger(),
	})
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Pauses of 20, 40, 80 and 160ms leave room for at most five cycles.
	if s.Cycles() < 2 || s.Cycles() > 6 {
		t.Fatalf("expected failing cycles to back off, got %d cycles in 300ms", s.Cycles())
	}
	if got := journal.count(eventstore.TypeCycleFailed); int64(got) != s.Failures() {
		t.Fatalf("expected one journal entry per failure, got %d for %d", got, s.Failures())
	}
}

func TestSupervisorRetryDelayResetsAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Failures alternate with successes, so every pause is the initial 100ms. Without the
	// reset the pauses would grow to 100, 200 and 400ms.
	renderer := &scriptedRenderer{failOn: []int{1, 3, 5}, stopAfter: 6, cancel: cancel}
	s := New(Options{
		Voice:      config.VoiceConfig{ID: "drone", Generator: "drone.lua"},
		Audio:      audioConfig(),
		Backend:    &fakeBackend{stream: &fakeStream{}},
		Loader:     &fakeLoader{},
		Renderer:   renderer,
		Region:     state.NewMemory(),
		RetryDelay: 100 * time.Millisecond,
		Logger:     newLogger(),
	})
	started := time.Now()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 600*time.Millisecond {
		t.Fatalf("expected the delay to reset after each success, run took %s", elapsed)
	}
	if s.Cycles() != 6 || s.Failures() != 3 {
		t.Fatalf("cycles=%d failures=%d", s.Cycles(), s.Failures())
	}
}

func TestSupervisorReloadDoesNotRunGeneratorCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.lua")
	if err := os.WriteFile(path, []byte("while true do end\nfunction play(ctx) return {} end\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	loader, err := generator.NewLoader("", newLogger())
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	defer loader.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	renderer := &scriptedRenderer{stopAfter: 1, cancel: cancel}
	s := New(Options{
		Voice:    config.VoiceConfig{ID: "spin", Generator: path},
		Audio:    audioConfig(),
		Backend:  &fakeBackend{stream: &fakeStream{}},
		Loader:   loader,
		Renderer: renderer,
		Region:   state.NewMemory(),
		Logger:   newLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatalf("supervisor stuck in %s; renders=%d", s.State(), renderer.calls)
	}
	if renderer.calls != 1 || renderer.requests[0].Digest == "" {
		t.Fatalf("expected the cycle to reach the renderer, got %+v", renderer.requests)
	}
}
