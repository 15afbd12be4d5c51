//go:build !headless

package sink

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/config"
)

func init() {
	Register("oto", newOto)
}

// otoBackend owns the single oto context a process may create. Streams are players fed
// through a pipe, so Write blocks until the device has consumed the previous data.
type otoBackend struct {
	ctx    *oto.Context
	logger *slog.Logger
}

func newOto(cfg config.AudioConfig, log *slog.Logger) (Backend, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("oto context: %w", err)
	}
	<-ready
	return &otoBackend{ctx: ctx, logger: log.With(slog.String("component", "sink-oto"))}, nil
}

func (b *otoBackend) Name() string { return "oto" }

// Open ignores device names; oto always plays on the system default output.
func (b *otoBackend) Open(device string) (Stream, error) {
	if !isDefault(device) {
		b.logger.Warn("oto cannot select devices, using default output", slog.String("device", device))
	}
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("oto context failed: %w", err)
	}
	pr, pw := io.Pipe()
	player := b.ctx.NewPlayer(pr)
	player.Play()
	return &otoStream{player: player, pr: pr, pw: pw}, nil
}

func (b *otoBackend) Close() error {
	return b.ctx.Suspend()
}

type otoStream struct {
	mu     sync.Mutex
	player *oto.Player
	pr     *io.PipeReader
	pw     *io.PipeWriter
	closed bool
}

func (s *otoStream) Write(buf *audio.IntBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotWritable
	}
	if _, err := s.pw.Write(EncodePCM(buf)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	return nil
}

func (s *otoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.pw.Close()
	err := s.player.Close()
	_ = s.pr.Close()
	return err
}
