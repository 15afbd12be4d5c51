// Package params is a namespaced parameter store layered over the shared state region.
// Generators and console commands use it to exchange control values while audio plays.
package params

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-live/internal/state"
)

const (
	DefaultNamespace = "global"
	// MetaNamespace holds throttle bookkeeping.
	MetaNamespace = "meta"
)

// Store binds to one namespace at a time. The namespace is local to the Store value;
// two Stores over the same region may target different namespaces.
type Store struct {
	region    state.Region
	namespace string
	clock     func() time.Time
}

func New(region state.Region) *Store {
	return &Store{region: region, namespace: DefaultNamespace, clock: time.Now}
}

// SetNamespace changes the namespace targeted by calls that do not name one.
func (s *Store) SetNamespace(name string) {
	if name == "" {
		name = DefaultNamespace
	}
	s.namespace = name
}

func (s *Store) Namespace() string {
	return s.namespace
}

// All returns the namespace mapping, or an empty mapping when none exists yet or the
// stored value cannot be decoded. It never fails. An empty namespace means the current one.
func (s *Store) All(ctx context.Context, namespace string) map[string]any {
	if namespace == "" {
		namespace = s.namespace
	}
	params := map[string]any{}
	if _, err := state.GetJSON(ctx, s.region, state.ParamsKey(namespace), &params); err != nil || params == nil {
		return map[string]any{}
	}
	return params
}

// Set stores one parameter by reading the whole mapping, updating the key and writing the
// mapping back. This is not atomic across processes: two concurrent Sets on the same
// namespace can lose one of the updates, but the mapping itself stays well formed.
func (s *Store) Set(ctx context.Context, param string, value any, opts ...Option) error {
	o := s.options(opts)
	params := s.All(ctx, o.namespace)
	params[param] = value
	if err := state.PutJSON(ctx, s.region, state.ParamsKey(o.namespace), params); err != nil {
		return fmt.Errorf("set %s/%s: %w", o.namespace, param, err)
	}
	return nil
}

// Get returns the value of param. When the namespace has no entry for it, def is installed
// with Set before being returned, so the key exists afterwards.
//
// WithThrottle re-arms def at most once per interval: when the last re-arm recorded in the
// meta namespace is at least interval old, the parameter is overwritten with def.
func (s *Store) Get(ctx context.Context, param string, def any, opts ...Option) (any, error) {
	o := s.options(opts)
	if o.throttle > 0 {
		s.rearm(ctx, param, def, o)
	}

	params := s.All(ctx, o.namespace)
	if value, ok := params[param]; ok && value != nil {
		return value, nil
	}
	if err := s.Set(ctx, param, def, WithNamespace(o.namespace)); err != nil {
		return def, err
	}
	return def, nil
}

// Float is Get for numeric parameters. Non-numeric stored values yield def.
func (s *Store) Float(ctx context.Context, param string, def float64, opts ...Option) float64 {
	value, err := s.Get(ctx, param, def, opts...)
	if err != nil {
		return def
	}
	if f, ok := toFloat(value); ok {
		return f
	}
	return def
}

// rearm never fails the surrounding Get; bookkeeping errors just skip the re-arm.
func (s *Store) rearm(ctx context.Context, param string, def any, o options) {
	metaKey := o.namespace + "." + param + "-last_updated"
	now := s.clock()
	meta := s.All(ctx, MetaNamespace)
	last, ok := toFloat(meta[metaKey])
	if !ok {
		_ = s.Set(ctx, metaKey, unixSeconds(now), WithNamespace(MetaNamespace))
		return
	}
	elapsed := now.Sub(time.Unix(0, int64(last*float64(time.Second))))
	if elapsed < o.throttle {
		return
	}
	if err := s.Set(ctx, metaKey, unixSeconds(now), WithNamespace(MetaNamespace)); err != nil {
		return
	}
	_ = s.Set(ctx, param, def, WithNamespace(o.namespace))
}

func (s *Store) options(opts []Option) options {
	o := options{namespace: s.namespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = s.namespace
	}
	return o
}

type options struct {
	namespace string
	throttle  time.Duration
}

// Option adjusts a single Get or Set call.
type Option func(*options)

// WithNamespace targets namespace for one call without changing the Store's namespace.
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

func WithThrottle(interval time.Duration) Option {
	return func(o *options) { o.throttle = interval }
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
