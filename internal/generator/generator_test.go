package generator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/loqalabs/loqa-live/internal/params"
	"github.com/loqalabs/loqa-live/internal/state"
)

const droneLua = `
midi = { keys = 1 }
groups = { { root = 110 }, { root = 220 } }

function play(ctx)
  local gain = ctx.params:get("gain", 0.5)
  local bright = ctx.midi.keys:get(74, 0.25, 0, 1)
  local out = {}
  for i = 1, 4 do
    out[#out + 1] = gain * bright * 4
    out[#out + 1] = -gain
  end
  ctx.params:set("last_root", ctx.group.root)
  ctx.log("rendered " .. ctx.voice)
  return out
end
`

// play() { emit(0, 8) } with memory holding float32 0.5, -0.5.
var emitWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	0x02, 0x0c, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x04, 0x65, 0x6d, 0x69, 0x74, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x11, 0x02, 0x04, 0x70, 0x6c, 0x61, 0x79, 0x00, 0x01, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x0a, 0x0b, 0x01, 0x09, 0x00, 0x41, 0x00, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b,
	0x0b, 0x0e, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x08, 0x00, 0x00, 0x00, 0x3f, 0x00, 0x00, 0x00, 0xbf,
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func playContext(region state.Region, decl Declarations, index int) *PlayContext {
	readers := map[string]*midi.Reader{}
	for name, id := range decl.MIDI {
		readers[name] = midi.NewReader(context.Background(), region, id)
	}
	return &PlayContext{
		Voice:  "drone",
		Index:  index,
		Group:  decl.Group(index),
		MIDI:   readers,
		Params: params.New(region),
		Format: &audio.Format{NumChannels: 2, SampleRate: 44100},
		Logger: newLogger(),
	}
}

func TestLuaGeneratorPlays(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drone.lua")
	writeFile(t, path, droneLua)

	prog, err := newLoader(t).Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	decl := prog.Declarations()
	if decl.MIDI["keys"] != 1 || len(decl.Groups) != 2 {
		t.Fatalf("unexpected declarations: %+v", decl)
	}

	region := state.NewMemory()
	buf, err := prog.Play(ctx, playContext(region, decl, 3))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(buf.Data) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(buf.Data))
	}
	if buf.Data[0] != 0.5 || buf.Data[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", buf.Data[:2])
	}
	all := params.New(region).All(ctx, "")
	if all["gain"] != 0.5 {
		t.Fatalf("expected default gain installed, got %v", all)
	}
	if all["last_root"] != float64(220) {
		t.Fatalf("expected voice 3 to use group 1, got %v", all["last_root"])
	}
}

func TestLuaGeneratorReadsMIDI(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drone.lua")
	writeFile(t, path, droneLua)
	prog, err := newLoader(t).Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	region := state.NewMemory()
	if err := state.PutJSON(ctx, region, state.CCKey(1, 74), 127); err != nil {
		t.Fatal(err)
	}
	buf, err := prog.Play(ctx, playContext(region, prog.Declarations(), 0))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if buf.Data[0] != 2 {
		t.Fatalf("expected full controller to scale sample to 2, got %v", buf.Data[0])
	}
}

func TestLuaPlayFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broken.lua")
	writeFile(t, path, `function play(ctx) error("boom") end`)

	prog, err := newLoader(t).Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := prog.Play(ctx, playContext(state.NewMemory(), Declarations{}, 0)); err == nil {
		t.Fatal("expected play error")
	}
}

func TestLuaWithoutPlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.lua")
	writeFile(t, path, `x = 1`)
	_, err := newLoader(t).Load(context.Background(), path)
	if !errors.Is(err, ErrNoEntrypoint) {
		t.Fatalf("expected ErrNoEntrypoint, got %v", err)
	}
}

func TestReloadPicksUpEdits(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	path := filepath.Join(t.TempDir(), "v.lua")

	writeFile(t, path, `function play(ctx) return {0.1, 0.1} end`)
	first, err := l.Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	writeFile(t, path, `function play(ctx) return {0.2, 0.2} end`)
	second, err := l.Load(ctx, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.Digest() == second.Digest() {
		t.Fatal("expected digest to change after edit")
	}
	buf, err := second.Play(ctx, playContext(state.NewMemory(), Declarations{}, 0))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if buf.Data[0] != 0.2 {
		t.Fatalf("expected edited program to play, got %v", buf.Data)
	}

	writeFile(t, path, `function play(ctx) return {0.1, 0.1} end`)
	if _, err := l.Load(ctx, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(l.protos) != 2 {
		t.Fatalf("expected unchanged source to reuse its compiled form, cache has %d entries", len(l.protos))
	}
}

func TestManifestDeclarationsWinOverSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "drone.lua"), droneLua)
	writeFile(t, filepath.Join(dir, "generator.yaml"), `metadata:
  name: drone
  version: 0.1.0
runtime:
  mode: lua
  module: drone.lua
midi:
  keys: 4
`)
	prog, err := newLoader(t).Load(ctx, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	decl := prog.Declarations()
	if decl.MIDI["keys"] != 4 {
		t.Fatalf("expected manifest midi map, got %v", decl.MIDI)
	}
	if len(decl.Groups) != 2 {
		t.Fatalf("expected groups from source, got %v", decl.Groups)
	}
}

func TestWasmGeneratorEmitsSamples(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "emit.wasm")
	if err := os.WriteFile(path, emitWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	prog, err := newLoader(t).Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	buf, err := prog.Play(ctx, playContext(state.NewMemory(), Declarations{}, 0))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(buf.Data) != 2 || buf.Data[0] != 0.5 || buf.Data[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", buf.Data)
	}
}

func TestWasmManifestMissingModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "generator.yaml"), `metadata:
  name: sample
  version: 0.0.1
runtime:
  mode: wasm
  module: missing.wasm
`)
	if _, err := newLoader(t).Load(context.Background(), dir); err == nil {
		t.Fatal("expected error for missing module")
	}
}

func TestGroupRoundRobin(t *testing.T) {
	decl := Declarations{Groups: []map[string]any{{"n": 0}, {"n": 1}, {"n": 2}}}
	for index, want := range map[int]int{0: 0, 1: 1, 2: 2, 3: 0, 7: 1} {
		if got := decl.Group(index)["n"]; got != want {
			t.Fatalf("index %d: got group %v want %d", index, got, want)
		}
	}
	if (Declarations{}).Group(5) != nil {
		t.Fatal("expected nil group without declarations")
	}
}

func TestCompileDoesNotRunSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.lua")
	writeFile(t, path, "while true do end\nfunction play(ctx) return {} end\n")
	l := newLoader(t)

	done := make(chan error, 1)
	var src Source
	go func() {
		var err error
		src, err = l.Compile(context.Background(), path)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("compile ran the chunk")
	}
	if src.Mode != "lua" || src.Entry != "play" || len(src.Digest) != 64 {
		t.Fatalf("unexpected source: %+v", src)
	}
	if len(l.protos) != 1 {
		t.Fatalf("expected the compiled chunk to be cached, got %d entries", len(l.protos))
	}
}

func TestCompileReportsSyntaxErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.lua")
	writeFile(t, path, "function play(ctx\n")
	if _, err := newLoader(t).Compile(context.Background(), path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCompileManifestKeepsDeclarations(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "emit.wasm"), emitWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "generator.yaml"), `metadata:
  name: emit
  version: 0.1.0
runtime:
  mode: wasm
  module: emit.wasm
midi:
  keys: 3
groups:
  - root: 110
`)
	src, err := newLoader(t).Compile(context.Background(), dir)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if src.Mode != "wasm" || src.Digest != Digest(emitWasm) {
		t.Fatalf("unexpected source: %+v", src)
	}
	if src.Declarations.MIDI["keys"] != 3 || src.Declarations.Group(0)["root"] != 110 {
		t.Fatalf("expected manifest declarations, got %+v", src.Declarations)
	}
}

func TestCompileWasmWithoutEntrypoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "emit.wasm"), emitWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "generator.yaml"), `metadata:
  name: emit
  version: 0.1.0
runtime:
  mode: wasm
  module: emit.wasm
  entrypoint: render
`)
	if _, err := newLoader(t).Compile(context.Background(), dir); !errors.Is(err, ErrNoEntrypoint) {
		t.Fatalf("expected ErrNoEntrypoint, got %v", err)
	}
}

func TestLoadStopsRunawayChunkOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.lua")
	writeFile(t, path, "while true do end\n")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := newLoader(t).Load(ctx, path)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the cancelled load to fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("load ignored cancellation")
	}
}
