//go:build tinygo || wasm

// Package host wraps the functions loqa-live exports to WebAssembly generators.
package host

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Log forwards text to the daemon log.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Control reads a MIDI control change from the named device, scaled to [low, high].
// Before any message arrives it returns def.
func Control(device string, cc int, def, low, high float64) float64 {
	ptr, n := stringArg(device)
	return midiGet(ptr, n, int32(cc), def, 1, low, high)
}

// ControlRandomized is Control with a random offset of up to spread around the value.
func ControlRandomized(device string, cc int, def, low, high, spread float64) float64 {
	ptr, n := stringArg(device)
	return midiGetRandomized(ptr, n, int32(cc), def, 1, low, high, spread)
}

// Param reads a numeric parameter from the active namespace.
func Param(name string, def float64) float64 {
	ptr, n := stringArg(name)
	return paramGet(ptr, n, def)
}

// SetParam stores a numeric parameter. It reports whether the write succeeded.
func SetParam(name string, value float64) bool {
	ptr, n := stringArg(name)
	return paramSet(ptr, n, value) == 0
}

// Group reads a numeric field of the group this voice belongs to.
func Group(key string, def float64) float64 {
	ptr, n := stringArg(key)
	return groupGet(ptr, n, def)
}

func VoiceIndex() int { return int(voiceIndex()) }

func SampleRate() int { return int(sampleRate()) }

func Channels() int { return int(channels()) }

// Emit appends interleaved samples in [-1, 1] to the cycle's output.
func Emit(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return emit(unsafe.Pointer(&buf[0]), uint32(len(buf))) == 0
}

func stringArg(s string) (unsafe.Pointer, uint32) {
	if len(s) == 0 {
		return nil, 0
	}
	b := []byte(s)
	return unsafe.Pointer(&b[0]), uint32(len(b))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env midi_get
func midiGet(devPtr unsafe.Pointer, devLen uint32, cc int32, def float64, hasDef uint32, low, high float64) float64

//go:wasmimport env midi_get_randomized
func midiGetRandomized(devPtr unsafe.Pointer, devLen uint32, cc int32, def float64, hasDef uint32, low, high, spread float64) float64

//go:wasmimport env param_get
func paramGet(namePtr unsafe.Pointer, nameLen uint32, def float64) float64

//go:wasmimport env param_set
func paramSet(namePtr unsafe.Pointer, nameLen uint32, value float64) uint32

//go:wasmimport env group_get
func groupGet(keyPtr unsafe.Pointer, keyLen uint32, def float64) float64

//go:wasmimport env voice_index
func voiceIndex() int32

//go:wasmimport env sample_rate
func sampleRate() int32

//go:wasmimport env channels
func channels() int32

//go:wasmimport env emit
func emit(ptr unsafe.Pointer, length uint32) uint32
