package generator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasmEngine shares one compilation cache between the runtimes created for each play.
type wasmEngine struct {
	cache wazero.CompilationCache
}

func newWasmEngine(dir string) (*wasmEngine, error) {
	if dir == "" {
		return &wasmEngine{cache: wazero.NewCompilationCache()}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wasm cache dir: %w", err)
	}
	cache, err := wazero.NewCompilationCacheWithDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open wasm cache: %w", err)
	}
	return &wasmEngine{cache: cache}, nil
}

func (e *wasmEngine) runtime(ctx context.Context) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

func (e *wasmEngine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

type wasmProgram struct {
	name   string
	digest string
	entry  string
	code   []byte
	decl   Declarations
	engine *wasmEngine
}

// compileWasm compiles the module to check that it exports the entrypoint. The compiled
// form lands in the cache, so the compile done by Play is a lookup. Nothing in the module
// runs.
func (l *Loader) compileWasm(ctx context.Context, path, entry string) ([]byte, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	rt := l.wasm.runtime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if _, ok := compiled.ExportedFunctions()[entry]; !ok {
		return nil, fmt.Errorf("%s: %w: %s", path, ErrNoEntrypoint, entry)
	}
	return code, nil
}

func (l *Loader) loadWasm(ctx context.Context, path string, decl Declarations, entry string) (Program, error) {
	code, err := l.compileWasm(ctx, path, entry)
	if err != nil {
		return nil, err
	}
	return &wasmProgram{
		name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		digest: Digest(code),
		entry:  entry,
		code:   code,
		decl:   decl,
		engine: l.wasm,
	}, nil
}

func (p *wasmProgram) Name() string { return p.name }

func (p *wasmProgram) Digest() string { return p.digest }

func (p *wasmProgram) Declarations() Declarations { return p.decl }

func (p *wasmProgram) Close(context.Context) error { return nil }

// Play instantiates the module in a fresh runtime bound to pc and calls the entrypoint.
// The module hands back audio through env.emit as little endian float32 samples.
func (p *wasmProgram) Play(ctx context.Context, pc *PlayContext) (*audio.FloatBuffer, error) {
	rt := p.engine.runtime(ctx)
	defer rt.Close(ctx)

	host := &hostBindings{ctx: ctx, pc: pc}
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, p.code)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	// generators are reactors: _initialize runs if present, _start never does
	moduleConfig := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithName(p.name).
		WithStderr(os.Stderr).
		WithEnv("LOQA_VOICE", pc.Voice)
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	entry := module.ExportedFunction(p.entry)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w: %s", p.name, ErrNoEntrypoint, p.entry)
	}
	if _, err := entry.Call(ctx); err != nil {
		return nil, fmt.Errorf("play %s: %w", p.name, err)
	}

	channels := 1
	if pc.Format != nil && pc.Format.NumChannels > 0 {
		channels = pc.Format.NumChannels
	}
	if len(host.samples)%channels != 0 {
		return nil, fmt.Errorf("play %s: %d samples do not fill %d-channel frames", p.name, len(host.samples), channels)
	}
	return &audio.FloatBuffer{Format: pc.Format, Data: host.samples}, nil
}

// hostBindings carries the per-play state behind the env imports.
type hostBindings struct {
	ctx     context.Context
	pc      *PlayContext
	samples []float64
}

func (h *hostBindings) reader(name string) *midi.Reader {
	if h.pc.MIDI == nil {
		return nil
	}
	return h.pc.MIDI[name]
}

func (h *hostBindings) logger() *slog.Logger {
	if h.pc.Logger != nil {
		return h.pc.Logger
	}
	return slog.Default()
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func midiOptions(def float64, hasDef uint32, low, high float64) []midi.Option {
	opts := []midi.Option{midi.WithRange(low, high)}
	if hasDef != 0 {
		opts = append(opts, midi.WithDefault(def))
	}
	return opts
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host *hostBindings) error {
	i32, f64 := api.ValueTypeI32, api.ValueTypeF64
	builder := rt.NewHostModuleBuilder("env")

	// host_log(ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			msg, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			if !ok {
				host.logger().Warn("host_log: unable to read memory")
				return
			}
			host.logger().Info("generator log", slog.String("message", msg))
		}), []api.ValueType{i32, i32}, nil).
		WithName("host_log").
		Export("host_log")

	// midi_get(dev_ptr, dev_len, cc, default, has_default, low, high) -> value
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			def, hasDef := api.DecodeF64(stack[3]), api.DecodeU32(stack[4])
			low, high := api.DecodeF64(stack[5]), api.DecodeF64(stack[6])
			name, _ := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			value := fallback(def, hasDef, low)
			if r := host.reader(name); r != nil {
				value = r.Get(int(api.DecodeI32(stack[2])), midiOptions(def, hasDef, low, high)...)
			}
			stack[0] = api.EncodeF64(value)
		}), []api.ValueType{i32, i32, i32, f64, i32, f64, f64}, []api.ValueType{f64}).
		WithName("midi_get").
		Export("midi_get")

	// midi_get_randomized(dev_ptr, dev_len, cc, default, has_default, low, high, spread) -> value
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			def, hasDef := api.DecodeF64(stack[3]), api.DecodeU32(stack[4])
			low, high := api.DecodeF64(stack[5]), api.DecodeF64(stack[6])
			spread := api.DecodeF64(stack[7])
			name, _ := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			value := fallback(def, hasDef, low)
			if r := host.reader(name); r != nil {
				value = r.GetRandomized(int(api.DecodeI32(stack[2])), spread, midiOptions(def, hasDef, low, high)...)
			}
			stack[0] = api.EncodeF64(value)
		}), []api.ValueType{i32, i32, i32, f64, i32, f64, f64, f64}, []api.ValueType{f64}).
		WithName("midi_get_randomized").
		Export("midi_get_randomized")

	// param_get(name_ptr, name_len, default) -> value
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			def := api.DecodeF64(stack[2])
			name, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			if !ok || name == "" || host.pc.Params == nil {
				stack[0] = api.EncodeF64(def)
				return
			}
			stack[0] = api.EncodeF64(host.pc.Params.Float(host.ctx, name, def))
		}), []api.ValueType{i32, i32, f64}, []api.ValueType{f64}).
		WithName("param_get").
		Export("param_get")

	// param_set(name_ptr, name_len, value) -> 0 ok, 1 failed
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			value := api.DecodeF64(stack[2])
			name, ok := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			if !ok || name == "" || host.pc.Params == nil {
				stack[0] = api.EncodeI32(1)
				return
			}
			if err := host.pc.Params.Set(host.ctx, name, value); err != nil {
				host.logger().Warn("param_set failed", slog.String("param", name), slog.String("error", err.Error()))
				stack[0] = api.EncodeI32(1)
				return
			}
			stack[0] = api.EncodeI32(0)
		}), []api.ValueType{i32, i32, f64}, []api.ValueType{i32}).
		WithName("param_set").
		Export("param_set")

	// group_get(key_ptr, key_len, default) -> numeric field of the voice's group
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			def := api.DecodeF64(stack[2])
			key, _ := readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			value := def
			if f, ok := numeric(host.pc.Group[key]); ok {
				value = f
			}
			stack[0] = api.EncodeF64(value)
		}), []api.ValueType{i32, i32, f64}, []api.ValueType{f64}).
		WithName("group_get").
		Export("group_get")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(int32(host.pc.Index))
		}), nil, []api.ValueType{i32}).
		WithName("voice_index").
		Export("voice_index")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			rate := 0
			if host.pc.Format != nil {
				rate = host.pc.Format.SampleRate
			}
			stack[0] = api.EncodeI32(int32(rate))
		}), nil, []api.ValueType{i32}).
		WithName("sample_rate").
		Export("sample_rate")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			channels := 1
			if host.pc.Format != nil && host.pc.Format.NumChannels > 0 {
				channels = host.pc.Format.NumChannels
			}
			stack[0] = api.EncodeI32(int32(channels))
		}), nil, []api.ValueType{i32}).
		WithName("channels").
		Export("channels")

	// emit(ptr, len) appends len bytes of float32 LE samples; 0 ok, 1 unreadable.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
			mem := mod.Memory()
			if mem == nil || length%4 != 0 {
				stack[0] = api.EncodeI32(1)
				return
			}
			data, ok := mem.Read(ptr, length)
			if !ok {
				stack[0] = api.EncodeI32(1)
				return
			}
			for i := 0; i+4 <= len(data); i += 4 {
				host.samples = append(host.samples, float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))))
			}
			stack[0] = api.EncodeI32(0)
		}), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithName("emit").
		Export("emit")

	_, err := builder.Instantiate(ctx)
	return err
}

func fallback(def float64, hasDef uint32, low float64) float64 {
	if hasDef != 0 {
		return def
	}
	return low
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// WasmImports lists the host functions a module may import from "env".
func WasmImports() []string {
	return []string{"host_log", "midi_get", "midi_get_randomized", "param_get", "param_set", "group_get", "voice_index", "sample_rate", "channels", "emit"}
}
