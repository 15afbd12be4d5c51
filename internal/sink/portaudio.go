//go:build !headless

package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-audio/audio"
	pa "github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-live/internal/config"
)

func init() {
	Register("portaudio", newPortAudio)
}

type portAudioBackend struct {
	cfg    config.AudioConfig
	logger *slog.Logger
}

func newPortAudio(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	if _, err := pa.DefaultOutputDevice(); err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("no default output: %w", err)
	}
	return &portAudioBackend{cfg: cfg, logger: log.With(slog.String("component", "sink-portaudio"))}, nil
}

func (b *portAudioBackend) Name() string { return "portaudio" }

func (b *portAudioBackend) Open(device string) (Stream, error) {
	info, err := b.lookup(device)
	if err != nil {
		return nil, err
	}
	params := pa.LowLatencyParameters(nil, info)
	params.Output.Channels = b.cfg.Channels
	params.SampleRate = float64(b.cfg.SampleRate)
	params.FramesPerBuffer = b.cfg.ChunkFrames

	s := &paStream{channels: b.cfg.Channels, out: make([]int16, b.cfg.ChunkFrames*b.cfg.Channels)}
	stream, err := pa.OpenStream(params, &s.out)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start %q: %w", info.Name, err)
	}
	s.stream = stream
	b.logger.Info("output opened", slog.String("device", info.Name), slog.Float64("sample_rate", params.SampleRate))
	return s, nil
}

func (b *portAudioBackend) lookup(device string) (*pa.DeviceInfo, error) {
	if isDefault(device) {
		return pa.DefaultOutputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == device && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("output device %q not found", device)
}

func (b *portAudioBackend) Close() error {
	return pa.Terminate()
}

// paStream writes through a fixed interleaved buffer with blocking I/O.
type paStream struct {
	mu       sync.Mutex
	stream   *pa.Stream
	channels int
	out      []int16
	closed   bool
}

func (s *paStream) Write(buf *audio.IntBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotWritable
	}
	for start := 0; start < len(buf.Data); start += len(s.out) {
		n := copyInt16(s.out, buf.Data[start:])
		clear(s.out[n:])
		if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("%w: %v", ErrNotWritable, err)
		}
	}
	return nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	return s.stream.Close()
}

func copyInt16(dst []int16, src []int) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = int16(clamp16(src[i]))
	}
	return n
}
