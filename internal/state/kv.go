package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// KV is a Region backed by a NATS JetStream key/value bucket. Every process connected
// to the same server and bucket sees the same values, and a value written by a process
// that has since exited stays readable.
type KV struct {
	kv nats.KeyValue
}

// NewKV wraps an already bound bucket (see bus.Client.KeyValue).
func NewKV(kv nats.KeyValue) *KV {
	return &KV{kv: kv}
}

func (s *KV) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e, err := s.kv.Get(key)
	if err != nil {
		return Entry{}, translate(key, err)
	}
	return Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, nil
}

func (s *KV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(key, value)
	if err != nil {
		return 0, translate(key, err)
	}
	return rev, nil
}

func (s *KV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(key, value)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, fmt.Errorf("%s: %w", key, ErrExists)
		}
		return 0, translate(key, err)
	}
	return rev, nil
}

func (s *KV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Update(key, value, revision)
	if err != nil {
		return 0, translate(key, err)
	}
	return rev, nil
}

func (s *KV) Delete(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var opts []nats.DeleteOpt
	if revision > 0 {
		opts = append(opts, nats.LastRevision(revision))
	}
	if err := s.kv.Delete(key, opts...); err != nil {
		return translate(key, err)
	}
	return nil
}

func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// translate maps bucket errors onto the package sentinels. A wrong-last-sequence
// rejection surfaces from nats.go as ErrKeyExists for Update and Delete alike.
func translate(key string, err error) error {
	switch {
	case errors.Is(err, nats.ErrKeyNotFound), errors.Is(err, nats.ErrKeyDeleted):
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	case errors.Is(err, nats.ErrKeyExists):
		return fmt.Errorf("%s: %w", key, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", key, err)
	}
}
