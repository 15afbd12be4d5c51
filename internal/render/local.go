package render

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/loqalabs/loqa-live/internal/params"
	"github.com/loqalabs/loqa-live/internal/sink"
	"github.com/loqalabs/loqa-live/internal/state"
)

// Local renders in the calling process. The render child uses it behind Serve.
type Local struct {
	loader *generator.Loader
	region state.Region
	logger *slog.Logger
}

func NewLocal(loader *generator.Loader, region state.Region, log *slog.Logger) *Local {
	return &Local{loader: loader, region: region, logger: log.With(slog.String("component", "render"))}
}

func (l *Local) Render(ctx context.Context, req Request, emit EmitFunc) error {
	logger := l.logger.With(slog.String("voice", req.Voice), slog.String("render_id", req.ID))
	prog, err := l.loader.Load(ctx, req.Generator)
	if err != nil {
		return fmt.Errorf("load generator: %w", err)
	}
	defer prog.Close(ctx)
	if req.Digest != "" && prog.Digest() != req.Digest {
		logger.Debug("generator changed since reload", slog.String("digest", prog.Digest()))
	}

	decl := prog.Declarations()
	readers := make(map[string]*midi.Reader, len(decl.MIDI))
	for name, id := range decl.MIDI {
		readers[name] = midi.NewReader(ctx, l.region, id)
	}
	store := params.New(l.region)
	store.SetNamespace(req.Namespace)

	buf, err := prog.Play(ctx, &generator.PlayContext{
		Voice:  req.Voice,
		Index:  req.Index,
		Group:  decl.Group(req.Index),
		MIDI:   readers,
		Params: store,
		Format: req.Format(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pcm := sink.Quantize(buf)
	chunks := sink.Split(pcm, req.ChunkFrames)
	logger.Debug("rendered", slog.Int("frames", sink.Frames(pcm)), slog.Int("chunks", len(chunks)))
	for _, chunk := range chunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}
