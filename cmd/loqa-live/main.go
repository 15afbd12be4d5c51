package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/console"
	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/loqalabs/loqa-live/internal/procs"
	"github.com/loqalabs/loqa-live/internal/render"
	"github.com/loqalabs/loqa-live/internal/runtime"
	"github.com/loqalabs/loqa-live/internal/sink"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-live <command> [flags]

commands:
  serve     run the engine daemon (default)
  send      queue console commands, e.g. loqa-live send "set gain 0.5"
  devices   list MIDI inputs and audio backends
  render    render one cycle from a request on stdin (spawned by serve)
  capture   run the MIDI capture worker (spawned by serve)
  version   print version and exit`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "send":
		err = runSend(args)
	case "devices":
		err = runDevices(args)
	case "render":
		err = runRender(args)
	case "capture":
		err = runCapture(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, midi.ErrNoSource) {
			os.Exit(procs.ExitNoMIDISource)
		}
		os.Exit(1)
	}
}

// setup parses the common flags, loads config and builds a JSON logger on w.
func setup(name string, args []string, w *os.File) (config.Config, string, *slog.Logger, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv(procs.EnvConfig), "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, "", nil, nil, err
	}
	if *configPath == "" {
		if _, err := os.Stat("loqa-live.yaml"); err == nil {
			*configPath = "loqa-live.yaml"
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, *configPath, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	logger = logger.With(slog.String("process", name))
	return cfg, *configPath, logger, fs, nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(args []string) error {
	cfg, configPath, logger, _, err := setup("serve", args, os.Stdout)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	rt := runtime.New(cfg, configPath, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runSend(args []string) error {
	cfg, _, logger, fs, err := setup("send", args, os.Stderr)
	if err != nil {
		return err
	}
	cmds := fs.Args()
	if len(cmds) == 0 {
		return errors.New("send: no commands given")
	}
	ctx, stop := signalContext()
	defer stop()

	client, region, err := runtime.Connect(ctx, cfg.Bus, "loqa-live-send", logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return console.Enqueue(ctx, region, cmds...)
}

func runDevices(args []string) error {
	cfg, _, logger, _, err := setup("devices", args, os.Stderr)
	if err != nil {
		return err
	}
	fmt.Println("audio backends (selection order):")
	for _, name := range cfg.Audio.Backends {
		mark := " "
		if slices.Contains(sink.Backends(), name) {
			mark = "*"
		}
		fmt.Printf("  %s %s\n", mark, name)
	}
	src, err := midi.Select(cfg.MIDI.Backends, logger)
	if err != nil {
		fmt.Println("midi: no input backend available")
		return nil
	}
	defer src.Close()
	devices, err := src.Devices()
	if err != nil {
		return fmt.Errorf("list midi devices: %w", err)
	}
	fmt.Printf("midi inputs (%s):\n", src.Name())
	for _, d := range devices {
		fmt.Printf("  %d  %s\n", d.ID, d.Name)
	}
	return nil
}

// runRender is the render child: stdout carries chunks, so logs go to stderr.
func runRender(args []string) error {
	cfg, _, logger, _, err := setup("render", args, os.Stderr)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	client, region, err := runtime.Connect(ctx, cfg.Bus, "loqa-live-render", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	loader, err := generator.NewLoader(cfg.Render.CacheDir, logger)
	if err != nil {
		return err
	}
	defer loader.Close(context.Background())

	return render.Serve(ctx, os.Stdin, os.Stdout, render.NewLocal(loader, region, logger))
}

func runCapture(args []string) error {
	cfg, _, logger, _, err := setup("capture", args, os.Stderr)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	client, region, err := runtime.Connect(ctx, cfg.Bus, "loqa-live-capture", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	src, err := midi.Select(cfg.MIDI.Backends, logger)
	if err != nil {
		return err
	}
	return midi.NewWorker(cfg.MIDI, region, src, logger).Run(ctx)
}
