// Package state is the shared state region: a flat key/value space that every engine
// process (daemon, capture worker, render children, console producers) reads and writes.
//
// The region offers single-key atomicity only. Any read-modify-write spanning Get and Put
// is a non-atomic sequence; callers that need more use Update or Delete with the revision
// they read.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a key is absent or was deleted.
	ErrNotFound = errors.New("state: key not found")
	// ErrExists is returned by Create when the key already holds a value.
	ErrExists = errors.New("state: key exists")
	// ErrConflict is returned when a revision-guarded write lost a race.
	ErrConflict = errors.New("state: revision conflict")
)

// Well-known keys.
const (
	KeyDevice        = "device"
	KeyMIDIDevices   = "midi_devices"
	KeyMIDIListeners = "midi_listeners"
	KeyConsoleCmds   = "console_cmds"
)

// Entry is a value together with the revision that produced it.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Region is the shared key/value surface.
type Region interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes key. A non-zero revision makes the delete conditional on the
	// key still being at that revision.
	Delete(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// CCKey names the slot holding the last raw value of controller cc on a MIDI device.
func CCKey(device, cc int) string {
	return "cc." + strconv.Itoa(device) + "." + strconv.Itoa(cc)
}

// ParamsKey names the slot holding a parameter namespace mapping.
func ParamsKey(namespace string) string {
	return "params." + SanitizeToken(namespace)
}

// SanitizeToken maps an arbitrary name onto the key alphabet [-_=a-zA-Z0-9].
// Dots are replaced too so a name always stays a single key token.
func SanitizeToken(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// GetJSON decodes the value at key into out and returns the entry revision.
func GetJSON(ctx context.Context, r Region, key string, out any) (uint64, error) {
	entry, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return entry.Revision, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision, nil
}

// PutJSON encodes value and stores it at key, last write wins.
func PutJSON(ctx context.Context, r Region, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = r.Put(ctx, key, data)
	return err
}
