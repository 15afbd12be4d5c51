package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
)

func init() {
	Register("wav", newWavBackend)
}

// wavBackend records every opened stream to its own file under the output directory.
type wavBackend struct {
	cfg    config.AudioConfig
	logger *slog.Logger
}

func newWavBackend(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &wavBackend{cfg: cfg, logger: log.With(slog.String("component", "sink-wav"))}, nil
}

func (b *wavBackend) Name() string { return "wav" }

func (b *wavBackend) Open(device string) (Stream, error) {
	if isDefault(device) {
		device = "default"
	}
	name := fmt.Sprintf("%s-%s.wav", fileSafe(device), uuid.NewString())
	path := filepath.Join(b.cfg.OutputDir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	b.logger.Info("recording stream", slog.String("path", path))
	return &wavStream{
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, b.cfg.SampleRate, BitDepth, b.cfg.Channels, 1),
	}, nil
}

func (b *wavBackend) Close() error { return nil }

type wavStream struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	enc    *wav.Encoder
	closed bool
}

func (s *wavStream) Write(buf *audio.IntBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotWritable
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Close finalizes the wav header. The file is playable afterwards.
func (s *wavStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.enc.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return s.file.Close()
}

func (s *wavStream) Path() string { return s.path }

func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
