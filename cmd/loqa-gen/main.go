package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/generator/manifest"
	"github.com/loqalabs/loqa-live/internal/render"
	"github.com/loqalabs/loqa-live/internal/sink"
	"github.com/loqalabs/loqa-live/internal/state"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", manifest.FileName, "Path to generator manifest")

	var index int
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	inspectCmd.IntVar(&index, "index", 0, "Voice index used to pick a group")

	var (
		outDir  string
		cycles  int
		verbose bool
	)
	playCmd := flag.NewFlagSet("play", flag.ExitOnError)
	playCmd.StringVar(&outDir, "out", ".", "Directory for the rendered wav file")
	playCmd.IntVar(&cycles, "cycles", 1, "Number of cycles to render")
	playCmd.IntVar(&index, "index", 0, "Voice index used to pick a group")
	playCmd.BoolVar(&verbose, "v", false, "Log generator output")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'inspect', 'play', 'imports' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err = runValidate(manifestPath); err == nil {
			fmt.Println("manifest valid")
		}
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		err = runInspect(inspectCmd.Args(), index)
	case "play":
		playCmd.Parse(os.Args[2:])
		err = runPlay(playCmd.Args(), outDir, cycles, index, verbose)
	case "imports":
		for _, name := range generator.WasmImports() {
			fmt.Println(name)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	return manifest.Validate(m)
}

func newLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func target(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected one generator path")
	}
	return args[0], nil
}

func runInspect(args []string, index int) error {
	path, err := target(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	loader, err := generator.NewLoader("", newLogger(false))
	if err != nil {
		return err
	}
	defer loader.Close(ctx)
	prog, err := loader.Load(ctx, path)
	if err != nil {
		return err
	}
	decl := prog.Declarations()
	out := map[string]any{
		"name":   prog.Name(),
		"digest": prog.Digest(),
		"midi":   decl.MIDI,
		"groups": len(decl.Groups),
		"group":  decl.Group(index),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runPlay renders cycles in-process against a private region and records them to a wav file.
func runPlay(args []string, outDir string, cycles, index int, verbose bool) error {
	path, err := target(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := newLogger(verbose)
	cfg := config.Default().Audio
	cfg.Backends = []string{"wav"}
	cfg.OutputDir = outDir

	loader, err := generator.NewLoader("", logger)
	if err != nil {
		return err
	}
	defer loader.Close(ctx)
	prog, err := loader.Load(ctx, path)
	if err != nil {
		return err
	}
	backend, err := sink.Select(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	stream, err := backend.Open(filepath.Base(path))
	if err != nil {
		return err
	}

	local := render.NewLocal(loader, state.NewMemory(), logger)
	frames := 0
	for i := 0; i < cycles; i++ {
		req := render.Request{
			ID:          fmt.Sprintf("play-%d", i),
			Voice:       prog.Name(),
			Index:       index,
			Generator:   path,
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			ChunkFrames: cfg.ChunkFrames,
		}
		err := local.Render(ctx, req, func(buf *audio.IntBuffer) error {
			frames += sink.Frames(buf)
			return stream.Write(buf)
		})
		if err != nil {
			stream.Close()
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
	}
	if err := stream.Close(); err != nil {
		return err
	}
	if p, ok := stream.(interface{ Path() string }); ok {
		fmt.Printf("%s: %d frames at %d Hz\n", p.Path(), frames, cfg.SampleRate)
	}
	return nil
}
