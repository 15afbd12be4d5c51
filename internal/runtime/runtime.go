package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/console"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/procs"
	"github.com/loqalabs/loqa-live/internal/registry"
	"github.com/loqalabs/loqa-live/internal/render"
	"github.com/loqalabs/loqa-live/internal/sink"
	"github.com/loqalabs/loqa-live/internal/state"
	"github.com/loqalabs/loqa-live/internal/voice"
)

const (
	pruneInterval     = time.Hour
	captureMinBackoff = 2 * time.Second
	captureMaxBackoff = time.Minute
)

// Runtime is the daemon: it hosts the shared state, supervises the voices and the
// capture worker, and serves health and metrics.
type Runtime struct {
	cfg         config.Config
	configPath  string
	logger      *slog.Logger
	runID       string
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	server      *natsserver.EmbeddedServer
	bus         *bus.Client
	region      state.Region
	events      *eventstore.Store
	registry    *registry.Registry
	backend     sink.Backend
	loader      *generator.Loader
	voices      []*voice.Supervisor
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		runID:      uuid.NewString(),
	}
}

// Start runs the daemon until ctx is done. Cancelling ctx tears everything down: render
// and capture children are killed, output streams closed and the bus drained.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.runID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		cancel()
		r.wg.Wait()
		r.closeAll()
	}()

	if err := r.attach(ctx); err != nil {
		return err
	}
	if err := r.seedState(ctx); err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.events.AppendRun(ctx, r.runID, "", ""); err != nil {
		r.logger.Warn("record daemon run", slog.String("error", err.Error()))
	}
	r.goRun(func() { r.events.RunPruner(ctx, pruneInterval) })

	r.registry, err = registry.New(ctx, r.cfg.Registry, r.runID, "daemon", r.bus.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	r.backend, err = sink.Select(r.cfg.Audio, r.logger)
	if err != nil {
		// Voices report playback disabled; the rest of the engine keeps running.
		r.logger.Error("no audio backend available", slog.String("error", err.Error()))
	}

	r.loader, err = generator.NewLoader(r.cfg.Render.CacheDir, r.logger)
	if err != nil {
		return fmt.Errorf("create generator loader: %w", err)
	}
	renderer, err := render.NewExec(r.cfg.Render, procs.ChildEnv(r.busURL(), r.configPath), r.logger)
	if err != nil {
		return err
	}

	if r.cfg.MIDI.Enabled {
		if argv, err := procs.Command("", "capture"); err != nil {
			r.logger.Error("capture worker unavailable", slog.String("error", err.Error()))
		} else {
			r.goRun(func() { r.superviseCapture(ctx, argv) })
		}
	}
	if r.cfg.Console.Enabled {
		shell := console.NewShell(r.region, r.logger)
		loop := console.NewEventLoop(r.region, shell, time.Duration(r.cfg.Console.PollIntervalMS)*time.Millisecond, r.events, r.runID, r.logger)
		r.goRun(func() { _ = loop.Run(ctx) })
	}
	r.startVoices(ctx, renderer)

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("run_id", r.runID), slog.Int("voices", len(r.voices)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.shutdownHTTP()
	return nil
}

// attach starts the embedded server when configured and binds the shared state bucket.
func (r *Runtime) attach(ctx context.Context) error {
	server, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.server = server
	busCfg := r.cfg.Bus
	if url := server.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, r.region, err = Connect(ctx, busCfg, "loqa-live-daemon", r.logger)
	return err
}

// Connect dials the bus and binds the shared state region. Worker processes use it
// directly; the daemon goes through attach.
func Connect(ctx context.Context, cfg config.BusConfig, name string, logger *slog.Logger) (*bus.Client, state.Region, error) {
	client, err := bus.Connect(ctx, cfg, name, logger)
	if err != nil {
		return nil, nil, err
	}
	kv, err := client.KeyValue(cfg.Bucket)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, state.NewKV(kv), nil
}

// seedState publishes the configured output device and MIDI device list.
func (r *Runtime) seedState(ctx context.Context) error {
	if r.cfg.Audio.Device != "" {
		if err := state.PutJSON(ctx, r.region, state.KeyDevice, r.cfg.Audio.Device); err != nil {
			return fmt.Errorf("seed device: %w", err)
		}
	}
	if r.cfg.MIDI.Enabled && len(r.cfg.MIDI.Devices) > 0 {
		if err := state.PutJSON(ctx, r.region, state.KeyMIDIDevices, r.cfg.MIDI.Devices); err != nil {
			return fmt.Errorf("seed midi devices: %w", err)
		}
	}
	return nil
}

// busURL is empty when the bus is external; children then use the configured servers.
func (r *Runtime) busURL() string {
	return r.server.ClientURL()
}

func (r *Runtime) startVoices(ctx context.Context, renderer render.Renderer) {
	for i, vc := range r.cfg.Voices {
		sup := voice.New(voice.Options{
			Voice:             vc,
			Index:             i,
			Audio:             r.cfg.Audio,
			Backend:           r.backend,
			Loader:            r.loader,
			Renderer:          renderer,
			Region:            r.region,
			Journal:           r.events,
			Heartbeats:        r.registry,
			HeartbeatInterval: time.Duration(r.cfg.Registry.HeartbeatInterval) * time.Millisecond,
			RunID:             r.voiceRun(ctx, vc),
			Logger:            r.logger,
		})
		r.voices = append(r.voices, sup)
		r.goRun(func() {
			if err := sup.Run(ctx); err != nil && !errors.Is(err, voice.ErrPlaybackDisabled) {
				r.logger.Error("voice exited", slog.String("voice", vc.ID), slog.String("error", err.Error()))
			}
		})
	}
}

func (r *Runtime) voiceRun(ctx context.Context, vc config.VoiceConfig) string {
	id := uuid.NewString()
	if err := r.events.AppendRun(ctx, id, vc.ID, vc.Generator); err != nil {
		r.logger.Warn("record voice run", slog.String("voice", vc.ID), slog.String("error", err.Error()))
	}
	return id
}

// superviseCapture keeps one capture worker process alive until ctx is done. Restarts
// back off while the worker keeps failing quickly. A worker that finds no MIDI backend is
// not restarted: controller readers fall back to their defaults.
func (r *Runtime) superviseCapture(ctx context.Context, argv []string) {
	logger := r.logger.With(slog.String("component", "capture_supervisor"))
	backoff := captureMinBackoff
	for ctx.Err() == nil {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = procs.ChildEnv(r.busURL(), r.configPath)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		cmd.WaitDelay = 2 * time.Second
		started := time.Now()
		err := cmd.Run()
		if ctx.Err() != nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == procs.ExitNoMIDISource {
			logger.Warn("no midi backend available, capture disabled")
			return
		}
		if time.Since(started) > captureMaxBackoff {
			backoff = captureMinBackoff
		}
		logger.Warn("capture worker exited", slog.Any("error", err), slog.Duration("restart_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, captureMaxBackoff)
	}
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/voices", r.handleVoices)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsSrv)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) serve(srv *http.Server) {
	r.goRun(func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	})
}

func (r *Runtime) shutdownHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeAll() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r.registry != nil {
		r.registry.Close()
	}
	if r.loader != nil {
		_ = r.loader.Close(shutdownCtx)
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.logger.Warn("close audio backend", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		_ = r.events.Close()
	}
	r.bus.Close()
	r.server.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.registry.Voices())
}
