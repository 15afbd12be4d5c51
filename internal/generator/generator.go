// Package generator loads the programs voices render with. A generator is either a Lua
// source file or a manifest describing a Lua or WASM module. Sources are re-read on every
// Load so edits take effect on the next cycle; unchanged sources reuse their compiled form.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/generator/manifest"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/loqalabs/loqa-live/internal/params"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoEntrypoint is returned when a generator does not expose its play function.
var ErrNoEntrypoint = errors.New("generator: entrypoint not found")

// Declarations are the optional values a generator exposes next to play.
type Declarations struct {
	// MIDI maps a device name used by the generator to a MIDI device id.
	MIDI map[string]int `json:"midi,omitempty"`
	// Groups is shared configuration voices pick from round-robin by index.
	Groups []map[string]any `json:"groups,omitempty"`
}

// Group returns groups[index mod len(groups)], or nil when no groups are declared.
func (d Declarations) Group(index int) map[string]any {
	if len(d.Groups) == 0 {
		return nil
	}
	i := index % len(d.Groups)
	if i < 0 {
		i += len(d.Groups)
	}
	return d.Groups[i]
}

// PlayContext is what a generator sees during one render cycle.
type PlayContext struct {
	Voice  string
	Index  int
	Group  map[string]any
	MIDI   map[string]*midi.Reader
	Params *params.Store
	Format *audio.Format
	Logger *slog.Logger
}

// Program is one loaded revision of a generator.
type Program interface {
	Name() string
	Digest() string
	Declarations() Declarations
	Play(ctx context.Context, pc *PlayContext) (*audio.FloatBuffer, error)
	Close(ctx context.Context) error
}

// Source is a generator that compiled but has not run. Digest covers the module code, not
// the manifest.
type Source struct {
	Path         string
	Mode         string
	Entry        string
	Digest       string
	Declarations Declarations
}

// Loader resolves generator paths into Programs, caching compiled code by content digest.
type Loader struct {
	mu     sync.Mutex
	protos map[string]*lua.FunctionProto
	wasm   *wasmEngine
	logger *slog.Logger
}

// NewLoader returns a Loader. cacheDir holds compiled WASM across processes; empty disables it.
func NewLoader(cacheDir string, log *slog.Logger) (*Loader, error) {
	engine, err := newWasmEngine(cacheDir)
	if err != nil {
		return nil, err
	}
	return &Loader{
		protos: make(map[string]*lua.FunctionProto),
		wasm:   engine,
		logger: log.With(slog.String("component", "generator")),
	}, nil
}

// Load reads path and returns the program it currently contains.
func (l *Loader) Load(ctx context.Context, path string) (Program, error) {
	if isManifest(path) {
		return l.loadManifest(ctx, path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return l.loadLua(ctx, path, Declarations{}, "play")
	case ".wasm":
		return l.loadWasm(ctx, path, Declarations{}, "play")
	default:
		return nil, fmt.Errorf("generator %s: unknown kind", path)
	}
}

// Compile checks that path holds a generator that parses, compiles and, for WASM, exports
// its entrypoint. Unlike Load it never runs generator code, so a source that loops or
// exhausts memory at load time cannot stall the caller. Declarations are only known for
// manifests; source declarations need Load.
func (l *Loader) Compile(ctx context.Context, path string) (Source, error) {
	src := Source{Path: path, Entry: "play"}
	module := path
	if isManifest(path) {
		m, err := loadManifest(path)
		if err != nil {
			return Source{}, err
		}
		src.Mode, src.Entry, module = m.Runtime.Mode, m.Runtime.Entrypoint, m.ModulePath()
		src.Declarations = Declarations{MIDI: m.MIDI, Groups: m.Groups}
	} else {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".lua":
			src.Mode = "lua"
		case ".wasm":
			src.Mode = "wasm"
		default:
			return Source{}, fmt.Errorf("generator %s: unknown kind", path)
		}
	}

	switch src.Mode {
	case "lua":
		_, digest, err := l.compileLua(module)
		if err != nil {
			return Source{}, err
		}
		src.Digest = digest
	default:
		code, err := l.compileWasm(ctx, module, src.Entry)
		if err != nil {
			return Source{}, err
		}
		src.Digest = Digest(code)
	}
	return src, nil
}

func loadManifest(path string) (manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("load manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

func (l *Loader) loadManifest(ctx context.Context, path string) (Program, error) {
	m, err := loadManifest(path)
	if err != nil {
		return nil, err
	}
	decl := Declarations{MIDI: m.MIDI, Groups: m.Groups}
	switch m.Runtime.Mode {
	case "lua":
		return l.loadLua(ctx, m.ModulePath(), decl, m.Runtime.Entrypoint)
	default:
		return l.loadWasm(ctx, m.ModulePath(), decl, m.Runtime.Entrypoint)
	}
}

// Close releases the compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	return l.wasm.Close(ctx)
}

func (l *Loader) proto(digest string) (*lua.FunctionProto, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.protos[digest]
	return p, ok
}

func (l *Loader) remember(digest string, p *lua.FunctionProto) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.protos[digest] = p
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isManifest(path string) bool {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// merge prefers declarations from the manifest over those found in the source.
func merge(primary, fallback Declarations) Declarations {
	out := primary
	if len(out.MIDI) == 0 {
		out.MIDI = fallback.MIDI
	}
	if len(out.Groups) == 0 {
		out.Groups = fallback.Groups
	}
	return out
}
