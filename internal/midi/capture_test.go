package midi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/state"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeInput struct {
	mu     sync.Mutex
	queue  []ControlChange
	closed bool
}

func (f *fakeInput) push(events ...ControlChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, events...)
}

func (f *fakeInput) Poll() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) > 0, nil
}

func (f *fakeInput) Read(max int) ([]ControlChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(max, len(f.queue))
	out := append([]ControlChange(nil), f.queue[:n]...)
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	inputs map[int]*fakeInput
	opens  map[int]int
	closed bool
}

func newFakeSource(ids ...int) *fakeSource {
	src := &fakeSource{inputs: map[int]*fakeInput{}, opens: map[int]int{}}
	for _, id := range ids {
		src.inputs[id] = &fakeInput{}
	}
	return src
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Devices() ([]Device, error) {
	var out []Device
	for id := range f.inputs {
		out = append(out, Device{ID: id})
	}
	return out, nil
}

func (f *fakeSource) Open(id int) (Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[id]++
	in, ok := f.inputs[id]
	if !ok {
		return nil, errors.New("no such device")
	}
	return in, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) openCount(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[id]
}

func readCC(t *testing.T, region state.Region, device, cc int) int {
	t.Helper()
	var value int
	if _, err := state.GetJSON(context.Background(), region, state.CCKey(device, cc), &value); err != nil {
		t.Fatalf("read cc %d/%d: %v", device, cc, err)
	}
	return value
}

func TestStepPublishesBoundedBatch(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	src := newFakeSource(1)
	if err := state.PutJSON(ctx, region, state.KeyMIDIDevices, []int{1}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		src.inputs[1].push(ControlChange{Controller: i, Value: 100 + i})
	}

	w := NewWorker(config.MIDIConfig{BatchSize: 10}, region, src, newLogger())
	if n := w.Step(ctx); n != 10 {
		t.Fatalf("expected first batch of 10, got %d", n)
	}
	if got := readCC(t, region, 1, 9); got != 109 {
		t.Fatalf("expected cc 9 = 109, got %d", got)
	}
	if _, err := region.Get(ctx, state.CCKey(1, 10)); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected cc 10 to wait for the next poll, got %v", err)
	}
	if n := w.Step(ctx); n != 2 {
		t.Fatalf("expected remaining 2 events, got %d", n)
	}
	if got := readCC(t, region, 1, 11); got != 111 {
		t.Fatalf("expected cc 11 = 111, got %d", got)
	}
	if n := w.Step(ctx); n != 0 {
		t.Fatalf("expected idle poll, got %d", n)
	}
}

func TestListenerOpenedOncePerDevice(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	src := newFakeSource(1, 2)
	w := NewWorker(config.MIDIConfig{Devices: []int{1, 2}}, region, src, newLogger())

	for i := 0; i < 5; i++ {
		src.inputs[2].push(ControlChange{Controller: 7, Value: i})
		w.Step(ctx)
	}
	if src.openCount(1) != 1 || src.openCount(2) != 1 {
		t.Fatalf("expected one open per device, got %v", src.opens)
	}
	var listeners []int
	if _, err := state.GetJSON(ctx, region, state.KeyMIDIListeners, &listeners); err != nil {
		t.Fatalf("read listeners: %v", err)
	}
	if !reflect.DeepEqual(listeners, []int{1, 2}) {
		t.Fatalf("expected listeners [1 2], got %v", listeners)
	}
	if got := readCC(t, region, 2, 7); got != 4 {
		t.Fatalf("expected last value 4, got %d", got)
	}
}

func TestFailedOpenNotRetriedUntilDeviceListChanges(t *testing.T) {
	ctx := context.Background()
	region := state.NewMemory()
	src := newFakeSource(1)
	w := NewWorker(config.MIDIConfig{Devices: []int{5}}, region, src, newLogger())

	w.Step(ctx)
	w.Step(ctx)
	if got := src.openCount(5); got != 1 {
		t.Fatalf("expected a single failed attempt, got %d", got)
	}

	if err := state.PutJSON(ctx, region, state.KeyMIDIDevices, []int{5, 1}); err != nil {
		t.Fatal(err)
	}
	w.Step(ctx)
	if got := src.openCount(5); got != 2 {
		t.Fatalf("expected retry after device list change, got %d", got)
	}
	if !reflect.DeepEqual(w.Listening(), []int{1}) {
		t.Fatalf("expected only device 1 listening, got %v", w.Listening())
	}
}

func TestRunClosesListenersOnCancel(t *testing.T) {
	region := state.NewMemory()
	src := newFakeSource(3)
	w := NewWorker(config.MIDIConfig{Devices: []int{3}, PollIntervalMS: 5}, region, src, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	src.inputs[3].push(ControlChange{Controller: 1, Value: 64})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := region.Get(context.Background(), state.CCKey(3, 1)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller value never published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if !src.inputs[3].closed || !src.closed {
		t.Fatal("expected listener and source closed")
	}
}

func TestSelectWithoutBackends(t *testing.T) {
	_, err := Select([]string{"missing"}, newLogger())
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}
