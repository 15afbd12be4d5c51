package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-live/internal/params"
	"github.com/loqalabs/loqa-live/internal/state"
	"github.com/mattn/go-shellwords"
)

var errUsage = errors.New("usage")

// Shell is the built-in console. Its handlers edit parameters and the shared device
// selection:
//
//	set <param> <value> [namespace]
//	get <param> [namespace]
//	ns <namespace>
//	device <name>
//	midi <id>...
type Shell struct {
	mu     sync.Mutex
	region state.Region
	params *params.Store
	logger *slog.Logger
}

func NewShell(region state.Region, log *slog.Logger) *Shell {
	return &Shell{
		region: region,
		params: params.New(region),
		logger: log.With(slog.String("component", "shell")),
	}
}

// Commands exposes the shell handlers by verb.
func (s *Shell) Commands() Commands {
	return Commands{
		"set":    s.set,
		"get":    s.get,
		"ns":     s.namespace,
		"device": s.device,
		"midi":   s.midi,
	}
}

func (s *Shell) Handler(verb string) (HandlerFunc, bool) {
	return s.Commands().Handler(verb)
}

// Namespace is the namespace that set and get use when none is given.
func (s *Shell) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Namespace()
}

func (s *Shell) set(ctx context.Context, line string) error {
	args, err := words(line)
	if err != nil {
		return err
	}
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: set <param> <value> [namespace]", errUsage)
	}
	opts := namespaceOption(args, 2)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.params.Set(ctx, args[0], scalar(args[1]), opts...); err != nil {
		return err
	}
	s.logger.Info("parameter set", slog.String("param", args[0]), slog.String("value", args[1]))
	return nil
}

func (s *Shell) get(ctx context.Context, line string) error {
	args, err := words(line)
	if err != nil {
		return err
	}
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: get <param> [namespace]", errUsage)
	}
	s.mu.Lock()
	namespace := s.params.Namespace()
	if len(args) == 2 {
		namespace = args[1]
	}
	all := s.params.All(ctx, namespace)
	s.mu.Unlock()
	value, ok := all[args[0]]
	s.logger.Info("parameter", slog.String("namespace", namespace), slog.String("param", args[0]),
		slog.Any("value", value), slog.Bool("present", ok))
	return nil
}

func (s *Shell) namespace(ctx context.Context, line string) error {
	args, err := words(line)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: ns <namespace>", errUsage)
	}
	s.mu.Lock()
	s.params.SetNamespace(args[0])
	s.mu.Unlock()
	s.logger.Info("namespace selected", slog.String("namespace", args[0]))
	return nil
}

// device stores the output device name. Voices pick it up when they next open output.
func (s *Shell) device(ctx context.Context, line string) error {
	args, err := words(line)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: device <name>", errUsage)
	}
	return state.PutJSON(ctx, s.region, state.KeyDevice, args[0])
}

// midi replaces the list of MIDI devices the capture worker listens to.
func (s *Shell) midi(ctx context.Context, line string) error {
	args, err := words(line)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id < 0 {
			return fmt.Errorf("%w: midi <id>..., got %q", errUsage, a)
		}
		ids = append(ids, id)
	}
	return state.PutJSON(ctx, s.region, state.KeyMIDIDevices, ids)
}

func words(line string) ([]string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	return args, nil
}

func namespaceOption(args []string, at int) []params.Option {
	if len(args) > at {
		return []params.Option{params.WithNamespace(args[at])}
	}
	return nil
}

// scalar decodes numbers, booleans and null as JSON and keeps anything else as a string.
func scalar(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool, nil, string:
			return v
		}
	}
	return raw
}
