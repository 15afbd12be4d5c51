// Package voice runs one supervised playback loop per configured voice: reload the
// generator, render a cycle, stream it to the sink, and decide whether to go again.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/generator"
	"github.com/loqalabs/loqa-live/internal/params"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/render"
	"github.com/loqalabs/loqa-live/internal/sink"
	"github.com/loqalabs/loqa-live/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrPlaybackDisabled is returned by Run when no output stream could be opened.
var ErrPlaybackDisabled = errors.New("playback disabled")

// CycleDurationMetric is the histogram of successful cycle durations, in seconds.
const CycleDurationMetric = "loqa.live.voice.cycle_duration"

type State int32

const (
	StateIdle State = iota
	StateOpeningDevice
	StateReloading
	StateRendering
	StateStreaming
	StateRestartDecision
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpeningDevice:
		return "opening_device"
	case StateReloading:
		return "reloading"
	case StateRendering:
		return "rendering"
	case StateStreaming:
		return "streaming"
	case StateRestartDecision:
		return "restart_decision"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loader checks the generator's current source every cycle. It must not run generator
// code: that only happens in the renderer, where a hang can be killed.
type Loader interface {
	Compile(ctx context.Context, path string) (generator.Source, error)
}

// Heartbeats receives voice status and cycle outcomes. The registry implements it.
type Heartbeats interface {
	PublishVoice(status protocol.VoiceStatus) error
	PublishCycle(report protocol.CycleReport) error
}

// Options wires a Supervisor. Journal and Heartbeats are optional. RetryDelay is the
// pause after a failed cycle; it doubles while cycles keep failing, up to a second, and
// resets after a success.
type Options struct {
	Voice             config.VoiceConfig
	Index             int
	Audio             config.AudioConfig
	Backend           sink.Backend
	Loader            Loader
	Renderer          render.Renderer
	Region            state.Region
	Journal           eventstore.Journal
	Heartbeats        Heartbeats
	HeartbeatInterval time.Duration
	RunID             string
	RetryDelay        time.Duration
	Logger            *slog.Logger
}

const (
	defaultRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = time.Second
)

type Supervisor struct {
	opts     Options
	logger   *slog.Logger
	state    atomic.Int32
	cycles   atomic.Int64
	failures atomic.Int64
	digest   atomic.Value

	cycleCount metric.Int64Counter
	failCount  metric.Int64Counter
	writeErrs  metric.Int64Counter
	cycleTime  metric.Float64Histogram
	attrs      metric.MeasurementOption
}

func New(opts Options) *Supervisor {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "voice"), slog.String("voice", opts.Voice.ID)),
	}
	s.initMetrics()
	return s
}

func (s *Supervisor) State() State    { return State(s.state.Load()) }
func (s *Supervisor) Cycles() int64   { return s.cycles.Load() }
func (s *Supervisor) Failures() int64 { return s.failures.Load() }
func (s *Supervisor) ID() string      { return s.opts.Voice.ID }

// Run opens the output stream once and renders cycles until ctx is done or, for a
// non-looping voice, after the first cycle. Cancelling ctx is the normal way to stop a
// voice and is not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateOpeningDevice)
	stream, err := s.open(ctx)
	if err != nil {
		s.logger.Error("playback disabled", slogError(err))
		s.journal(ctx, eventstore.TypePlaybackDisabled, map[string]string{"error": err.Error()})
		s.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrPlaybackDisabled, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.logger.Warn("close stream", slogError(err))
		}
	}()

	if s.opts.Heartbeats != nil && s.opts.HeartbeatInterval > 0 {
		hbCtx, stop := context.WithCancel(ctx)
		defer stop()
		go s.runHeartbeat(hbCtx)
	}

	delay := s.retryDelay()
	for ctx.Err() == nil {
		ok := s.cycle(ctx, stream)
		s.setState(StateRestartDecision)
		if !s.opts.Voice.Looping() {
			break
		}
		if ok {
			delay = s.retryDelay()
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay = min(delay*2, max(maxRetryDelay, s.retryDelay()))
	}

	s.setState(StateStopped)
	s.journal(ctx, eventstore.TypeVoiceStopped, map[string]int64{
		"cycles":   s.Cycles(),
		"failures": s.Failures(),
	})
	s.logger.Info("voice stopped", slog.Int64("cycles", s.Cycles()), slog.Int64("failures", s.Failures()))
	return nil
}

func (s *Supervisor) open(ctx context.Context) (sink.Stream, error) {
	if s.opts.Backend == nil {
		return nil, sink.ErrNoBackend
	}
	device := s.opts.Audio.Device
	var shared string
	if _, err := state.GetJSON(ctx, s.opts.Region, state.KeyDevice, &shared); err == nil && shared != "" {
		device = shared
	}
	stream, err := s.opts.Backend.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open %s device %q: %w", s.opts.Backend.Name(), device, err)
	}
	s.logger.Info("output opened", slog.String("backend", s.opts.Backend.Name()), slog.String("device", device))
	return stream, nil
}

func (s *Supervisor) retryDelay() time.Duration {
	if s.opts.RetryDelay > 0 {
		return s.opts.RetryDelay
	}
	return defaultRetryDelay
}

// cycle runs one reload, render and stream pass and reports whether it succeeded. Failures
// are counted and logged; they never end the loop.
func (s *Supervisor) cycle(ctx context.Context, stream sink.Stream) bool {
	n := s.cycles.Add(1)
	s.cycleCount.Add(ctx, 1, s.attrs)
	started := time.Now()
	report := protocol.CycleReport{Voice: s.opts.Voice.ID, Cycle: n}

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-live/voice").Start(ctx, "voice.cycle",
		trace.WithAttributes(attribute.String("voice", s.opts.Voice.ID), attribute.Int64("cycle", n)))
	defer span.End()

	s.setState(StateReloading)
	src, err := s.opts.Loader.Compile(ctx, s.opts.Voice.Generator)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.fail(ctx, report, started, fmt.Errorf("reload generator: %w", err))
		return false
	}
	report.Digest = src.Digest
	if prev, _ := s.digest.Load().(string); prev != report.Digest {
		s.logger.Info("generator loaded", slog.String("digest", report.Digest))
		s.digest.Store(report.Digest)
	}

	namespace := s.opts.Voice.Namespace
	if namespace == "" {
		namespace = params.DefaultNamespace
	}
	req := render.Request{
		ID:          uuid.NewString(),
		Voice:       s.opts.Voice.ID,
		Index:       s.opts.Index,
		Namespace:   namespace,
		Generator:   s.opts.Voice.Generator,
		Digest:      report.Digest,
		SampleRate:  s.opts.Audio.SampleRate,
		Channels:    s.opts.Audio.Channels,
		ChunkFrames: s.opts.Audio.ChunkFrames,
	}

	s.setState(StateRendering)
	err = s.opts.Renderer.Render(ctx, req, func(buf *audio.IntBuffer) error {
		if s.State() != StateStreaming {
			s.setState(StateStreaming)
		}
		if err := stream.Write(buf); err != nil {
			s.writeErrs.Add(ctx, 1, s.attrs)
			return fmt.Errorf("%w: %v", errStreamAborted, err)
		}
		report.Chunks++
		report.Frames += sink.Frames(buf)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.fail(ctx, report, started, err)
		return false
	}

	report.Duration = time.Since(started)
	s.cycleTime.Record(ctx, report.Duration.Seconds(), s.attrs)
	s.logger.Debug("cycle complete", slog.Int64("cycle", n), slog.Int("frames", report.Frames))
	s.journal(ctx, eventstore.TypeCycle, report)
	s.publishCycle(report)
	return true
}

var errStreamAborted = errors.New("output write failed")

func (s *Supervisor) fail(ctx context.Context, report protocol.CycleReport, started time.Time, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "cycle failed")
	s.failures.Add(1)
	s.failCount.Add(ctx, 1, s.attrs)
	report.Duration = time.Since(started)
	report.Error = err.Error()
	if errors.Is(err, errStreamAborted) {
		s.logger.Warn("streaming aborted, output stays open", slog.Int64("cycle", report.Cycle), slogError(err))
	} else {
		s.logger.Error("cycle failed", slog.Int64("cycle", report.Cycle), slogError(err))
	}
	s.journal(ctx, eventstore.TypeCycleFailed, report)
	s.publishCycle(report)
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.logger.Debug("state", slog.String("state", st.String()))
}

func (s *Supervisor) status() protocol.VoiceStatus {
	return protocol.VoiceStatus{
		Voice:     s.opts.Voice.ID,
		Generator: s.opts.Voice.Generator,
		State:     s.State().String(),
		Cycles:    s.Cycles(),
		Failures:  s.Failures(),
	}
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.opts.Heartbeats.PublishVoice(s.status()); err != nil {
			s.logger.Debug("publish heartbeat", slogError(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) publishCycle(report protocol.CycleReport) {
	if s.opts.Heartbeats == nil {
		return
	}
	if err := s.opts.Heartbeats.PublishCycle(report); err != nil {
		s.logger.Debug("publish cycle", slogError(err))
	}
}

func (s *Supervisor) journal(ctx context.Context, typ string, payload any) {
	if s.opts.Journal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	evt := eventstore.Event{RunID: s.opts.RunID, Voice: s.opts.Voice.ID, Type: typ, Payload: data}
	// Outcomes of the cycle that was cancelled still get recorded.
	if err := s.opts.Journal.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("journal append failed", slogError(err))
	}
}

func (s *Supervisor) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-live/voice")
	s.attrs = metric.WithAttributes(attribute.String("voice", s.opts.Voice.ID))
	var err error
	if s.cycleCount, err = meter.Int64Counter("loqa.live.voice.cycles", metric.WithDescription("Render cycles started")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if s.failCount, err = meter.Int64Counter("loqa.live.voice.failures", metric.WithDescription("Render cycles that failed")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if s.writeErrs, err = meter.Int64Counter("loqa.live.voice.stream_errors", metric.WithDescription("Writes rejected by the output stream")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if s.cycleTime, err = meter.Float64Histogram(CycleDurationMetric, metric.WithDescription("Duration of successful render cycles"), metric.WithUnit("s")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
