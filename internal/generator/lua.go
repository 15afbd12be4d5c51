package generator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/midi"
	"github.com/loqalabs/loqa-live/internal/params"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

type luaProgram struct {
	name   string
	digest string
	entry  string
	proto  *lua.FunctionProto
	decl   Declarations
}

// compileLua parses and compiles path, reusing the cached prototype when the source is
// unchanged. Nothing in the chunk runs.
func (l *Loader) compileLua(path string) (*lua.FunctionProto, string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read generator: %w", err)
	}
	digest := Digest(src)
	if proto, ok := l.proto(digest); ok {
		return proto, digest, nil
	}
	chunk, err := parse.Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, "", fmt.Errorf("compile %s: %w", path, err)
	}
	l.remember(digest, proto)
	l.logger.Debug("lua generator compiled", slog.String("path", path), slog.String("digest", digest[:12]))
	return proto, digest, nil
}

// loadLua runs the chunk's top level to find the entrypoint and the midi and groups
// globals. The chunk is user code, so ctx bounds it.
func (l *Loader) loadLua(ctx context.Context, path string, decl Declarations, entry string) (Program, error) {
	proto, digest, err := l.compileLua(path)
	if err != nil {
		return nil, err
	}

	L := newLuaState()
	defer L.Close()
	L.SetContext(ctx)
	if err := runChunk(L, proto); err != nil {
		return nil, fmt.Errorf("run %s: %w", path, err)
	}
	if _, ok := L.GetGlobal(entry).(*lua.LFunction); !ok {
		return nil, fmt.Errorf("%s: %w: %s", path, ErrNoEntrypoint, entry)
	}
	found := Declarations{MIDI: luaDevices(L.GetGlobal("midi")), Groups: luaGroups(L.GetGlobal("groups"))}
	return &luaProgram{
		name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		digest: digest,
		entry:  entry,
		proto:  proto,
		decl:   merge(decl, found),
	}, nil
}

func (p *luaProgram) Name() string { return p.name }

func (p *luaProgram) Digest() string { return p.digest }

func (p *luaProgram) Declarations() Declarations { return p.decl }

func (p *luaProgram) Close(context.Context) error { return nil }

// Play runs the chunk in a fresh interpreter and calls the entrypoint with the context table.
// The entrypoint returns interleaved samples in [-1, 1], either flat or as a table of frames.
func (p *luaProgram) Play(ctx context.Context, pc *PlayContext) (*audio.FloatBuffer, error) {
	L := newLuaState()
	defer L.Close()
	L.SetContext(ctx)

	if err := runChunk(L, p.proto); err != nil {
		return nil, fmt.Errorf("run %s: %w", p.name, err)
	}
	fn, ok := L.GetGlobal(p.entry).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", p.name, ErrNoEntrypoint, p.entry)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, contextTable(ctx, L, pc)); err != nil {
		return nil, fmt.Errorf("play %s: %w", p.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	channels := 1
	if pc.Format != nil && pc.Format.NumChannels > 0 {
		channels = pc.Format.NumChannels
	}
	samples, err := luaSamples(ret, channels)
	if err != nil {
		return nil, fmt.Errorf("play %s: %w", p.name, err)
	}
	return &audio.FloatBuffer{Format: pc.Format, Data: samples}, nil
}

func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

func runChunk(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}

func contextTable(ctx context.Context, L *lua.LState, pc *PlayContext) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "voice", lua.LString(pc.Voice))
	L.SetField(t, "index", lua.LNumber(pc.Index))
	if pc.Group != nil {
		L.SetField(t, "group", toLua(L, pc.Group))
	}
	if pc.Format != nil {
		L.SetField(t, "sample_rate", lua.LNumber(pc.Format.SampleRate))
		L.SetField(t, "channels", lua.LNumber(pc.Format.NumChannels))
	}

	devices := L.NewTable()
	for name, reader := range pc.MIDI {
		L.SetField(devices, name, readerTable(L, reader))
	}
	L.SetField(t, "midi", devices)
	if pc.Params != nil {
		L.SetField(t, "params", paramsTable(ctx, L, pc.Params))
	}

	logger := pc.Logger
	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		if logger != nil {
			logger.Info("generator log", slog.String("message", L.CheckString(argBase(L))))
		}
		return 0
	}))
	return t
}

// argBase lets helpers be called either as t.fn(x) or t:fn(x).
func argBase(L *lua.LState) int {
	if _, ok := L.Get(1).(*lua.LTable); ok {
		return 2
	}
	return 1
}

func readerOptions(L *lua.LState, at int) []midi.Option {
	var opts []midi.Option
	if def, ok := L.Get(at).(lua.LNumber); ok {
		opts = append(opts, midi.WithDefault(float64(def)))
	}
	low := L.OptNumber(at+1, 0)
	high := L.OptNumber(at+2, 1)
	return append(opts, midi.WithRange(float64(low), float64(high)))
}

func readerTable(L *lua.LState, r *midi.Reader) *lua.LTable {
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		// get(cc, default, low, high)
		"get": func(L *lua.LState) int {
			b := argBase(L)
			L.Push(lua.LNumber(r.Get(L.CheckInt(b), readerOptions(L, b+1)...)))
			return 1
		},
		"get_int": func(L *lua.LState) int {
			b := argBase(L)
			L.Push(lua.LNumber(r.GetInt(L.CheckInt(b), readerOptions(L, b+1)...)))
			return 1
		},
		// get_randomized(cc, default, low, high, spread)
		"get_randomized": func(L *lua.LState) int {
			b := argBase(L)
			spread := float64(L.OptNumber(b+4, 1))
			L.Push(lua.LNumber(r.GetRandomized(L.CheckInt(b), spread, readerOptions(L, b+1)...)))
			return 1
		},
		"get_randomized_int": func(L *lua.LState) int {
			b := argBase(L)
			spread := float64(L.OptNumber(b+4, 1))
			L.Push(lua.LNumber(r.GetRandomizedInt(L.CheckInt(b), spread, readerOptions(L, b+1)...)))
			return 1
		},
		"set_offset": func(L *lua.LState) int {
			r.SetOffset(L.CheckInt(argBase(L)))
			return 0
		},
	})
	return t
}

func paramsTable(ctx context.Context, L *lua.LState, store *params.Store) *lua.LTable {
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		// get(name, default, namespace, throttle_seconds)
		"get": func(L *lua.LState) int {
			b := argBase(L)
			var opts []params.Option
			if ns := L.OptString(b+2, ""); ns != "" {
				opts = append(opts, params.WithNamespace(ns))
			}
			if secs := float64(L.OptNumber(b+3, 0)); secs > 0 {
				opts = append(opts, params.WithThrottle(time.Duration(secs*float64(time.Second))))
			}
			value, _ := store.Get(ctx, L.CheckString(b), toGo(L.Get(b+1)), opts...)
			L.Push(toLua(L, value))
			return 1
		},
		// set(name, value, namespace)
		"set": func(L *lua.LState) int {
			b := argBase(L)
			var opts []params.Option
			if ns := L.OptString(b+2, ""); ns != "" {
				opts = append(opts, params.WithNamespace(ns))
			}
			if err := store.Set(ctx, L.CheckString(b), toGo(L.CheckAny(b+1)), opts...); err != nil {
				L.RaiseError("params.set: %s", err.Error())
			}
			return 0
		},
		"all": func(L *lua.LState) int {
			L.Push(toLua(L, store.All(ctx, L.OptString(argBase(L), ""))))
			return 1
		},
		// namespace(name) switches namespace; namespace() reports it.
		"namespace": func(L *lua.LState) int {
			if name := L.OptString(argBase(L), ""); name != "" {
				store.SetNamespace(name)
			}
			L.Push(lua.LString(store.Namespace()))
			return 1
		},
	})
	return t
}

func luaSamples(v lua.LValue, channels int) ([]float64, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("entrypoint returned %s, want a table of samples", v.Type())
	}
	n := tbl.MaxN()
	out := make([]float64, 0, n)
	for i := 1; i <= n; i++ {
		switch s := tbl.RawGetInt(i).(type) {
		case lua.LNumber:
			out = append(out, float64(s))
		case *lua.LTable:
			for j := 1; j <= s.MaxN(); j++ {
				num, ok := s.RawGetInt(j).(lua.LNumber)
				if !ok {
					return nil, fmt.Errorf("frame %d: non-numeric sample", i)
				}
				out = append(out, float64(num))
			}
		default:
			return nil, fmt.Errorf("sample %d: unexpected %s", i, s.Type())
		}
	}
	if len(out)%channels != 0 {
		return nil, fmt.Errorf("%d samples do not fill %d-channel frames", len(out), channels)
	}
	return out, nil
}

func luaDevices(v lua.LValue) map[string]int {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	devices := map[string]int{}
	tbl.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		id, isNum := v.(lua.LNumber)
		if ok && isNum {
			devices[string(name)] = int(id)
		}
	})
	return devices
}

func luaGroups(v lua.LValue) []map[string]any {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var groups []map[string]any
	for i := 1; i <= tbl.MaxN(); i++ {
		switch g := toGo(tbl.RawGetInt(i)).(type) {
		case map[string]any:
			groups = append(groups, g)
		default:
			groups = append(groups, map[string]any{"value": g})
		}
	}
	return groups
}

func toGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, toGo(val.RawGetInt(i)))
			}
			return list
		}
		m := map[string]any{}
		val.ForEach(func(k, v lua.LValue) {
			m[k.String()] = toGo(v)
		})
		return m
	default:
		return nil
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
