package midi

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/loqalabs/loqa-live/internal/state"
)

const lookupTimeout = 250 * time.Millisecond

// Reader maps raw controller values published by the capture worker onto numeric
// ranges. Every lookup failure (missing key, bad value, region error) is treated as
// "no value" and answered with the caller's default.
type Reader struct {
	ctx    context.Context
	region state.Region
	device int
	offset int
	random func() float64
}

func NewReader(ctx context.Context, region state.Region, device int) *Reader {
	return &Reader{ctx: ctx, region: region, device: device, random: rand.Float64}
}

// SetOffset adds offset to every controller number requested afterwards.
func (r *Reader) SetOffset(offset int) {
	r.offset = offset
}

func (r *Reader) Device() int {
	return r.device
}

type query struct {
	def       float64
	hasDef    bool
	low, high float64
}

// Option shapes a single lookup.
type Option func(*query)

// WithDefault is returned when no value is available. Without it, the low bound is.
func WithDefault(v float64) Option {
	return func(q *query) { q.def, q.hasDef = v, true }
}

// WithRange rescales 0..127 linearly onto [low, high]. The default range is 0..1.
func WithRange(low, high float64) Option {
	return func(q *query) { q.low, q.high = low, high }
}

// Get returns the scaled value of controller cc.
func (r *Reader) Get(cc int, opts ...Option) float64 {
	q := query{low: 0, high: 1}
	for _, opt := range opts {
		opt(&q)
	}
	raw, ok := r.raw(cc + r.offset)
	if !ok {
		if q.hasDef {
			return q.def
		}
		return q.low
	}
	return float64(raw)/127*(q.high-q.low) + q.low
}

func (r *Reader) GetInt(cc int, opts ...Option) int {
	return int(math.Round(r.Get(cc, opts...)))
}

// GetRandomized scales Get by a uniform factor in [0, spread]. Spread is capped at 1,
// so the result never exceeds the plain value.
func (r *Reader) GetRandomized(cc int, spread float64, opts ...Option) float64 {
	if spread > 1 {
		spread = 1
	}
	factor := r.random() * spread
	return r.Get(cc, opts...) * factor
}

func (r *Reader) GetRandomizedInt(cc int, spread float64, opts ...Option) int {
	return int(math.Round(r.GetRandomized(cc, spread, opts...)))
}

func (r *Reader) raw(cc int) (int, bool) {
	if r == nil || r.region == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(r.ctx, lookupTimeout)
	defer cancel()
	var value float64
	if _, err := state.GetJSON(ctx, r.region, state.CCKey(r.device, cc), &value); err != nil {
		return 0, false
	}
	if value < 0 || value > 127 || value != math.Trunc(value) {
		return 0, false
	}
	return int(value), true
}
