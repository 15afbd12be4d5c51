package sink

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-live/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stereo() *audio.Format {
	return &audio.Format{NumChannels: 2, SampleRate: 44100}
}

func TestQuantizeClips(t *testing.T) {
	in := &audio.FloatBuffer{Format: stereo(), Data: []float64{0, 1, -1, 2, -3, 0.5}}
	out := Quantize(in)
	want := []int{0, 32767, -32767, 32767, -32767, 16384}
	for i, v := range want {
		if out.Data[i] != v {
			t.Fatalf("sample %d: got %d want %d", i, out.Data[i], v)
		}
	}
	if out.SourceBitDepth != BitDepth {
		t.Fatalf("expected bit depth %d, got %d", BitDepth, out.SourceBitDepth)
	}
}

func TestSplitIntoFixedFrameChunks(t *testing.T) {
	buf := &audio.IntBuffer{Format: stereo(), Data: make([]int, 2*1234)}
	for i := range buf.Data {
		buf.Data[i] = i
	}
	chunks := Split(buf, 500)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	frames := []int{500, 500, 234}
	next := 0
	for i, c := range chunks {
		if Frames(c) != frames[i] {
			t.Fatalf("chunk %d: expected %d frames, got %d", i, frames[i], Frames(c))
		}
		if c.Data[0] != next {
			t.Fatalf("chunk %d out of order: starts at %d, want %d", i, c.Data[0], next)
		}
		next += len(c.Data)
	}
}

func TestSplitEmpty(t *testing.T) {
	if chunks := Split(&audio.IntBuffer{Format: stereo()}, 500); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestPCMRoundTrip(t *testing.T) {
	buf := &audio.IntBuffer{Format: stereo(), Data: []int{0, -1, 32767, -32768, 40000}}
	got, err := DecodePCM(EncodePCM(buf), stereo())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{0, -1, 32767, -32768, 32767}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, got.Data[i], want[i])
		}
	}
	if _, err := DecodePCM([]byte{1, 2, 3}, stereo()); err == nil {
		t.Fatal("expected misaligned payload to fail")
	}
}

func TestSelectSkipsUnknownBackends(t *testing.T) {
	cfg := config.AudioConfig{Backends: []string{"nope", "wav"}, SampleRate: 44100, Channels: 2, OutputDir: t.TempDir()}
	backend, err := Select(cfg, newLogger())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if backend.Name() != "wav" {
		t.Fatalf("expected wav backend, got %s", backend.Name())
	}
}

func TestSelectNoBackend(t *testing.T) {
	_, err := Select(config.AudioConfig{Backends: []string{"nope"}}, newLogger())
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestWavStreamRecordsAudio(t *testing.T) {
	cfg := config.AudioConfig{SampleRate: 44100, Channels: 2, OutputDir: t.TempDir()}
	backend, err := newWavBackend(cfg, newLogger())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	stream, err := backend.Open("hw:0,0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := &audio.IntBuffer{Format: Format(cfg), SourceBitDepth: BitDepth, Data: make([]int, 2*1000)}
	for _, chunk := range Split(buf, 500) {
		if err := stream.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Write(buf); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("expected ErrNotWritable after close, got %v", err)
	}

	path := stream.(*wavStream).Path()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer file.Close()
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 44100 || dec.NumChans != 2 || dec.BitDepth != BitDepth {
		t.Fatalf("unexpected format: rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm.Data) != 2*1000 {
		t.Fatalf("expected 2000 samples, got %d", len(pcm.Data))
	}
}
