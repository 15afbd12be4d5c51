//go:build tinygo || wasm

package main

import (
	"math"

	"github.com/loqalabs/loqa-live/generators/sdk/host"
)

// Knob 1 on the keys controller sweeps the pitch; the group root sets its base.
//
//export play
func play() {
	rate := host.SampleRate()
	channels := host.Channels()
	if rate <= 0 || channels <= 0 {
		host.Log("sine: missing audio format")
		return
	}
	root := host.Group("root", 220)
	freq := root * host.Control("keys", 1, 1, 0.5, 2)
	gain := host.Param("gain", 0.3)
	seconds := host.Param("length", 2)

	frames := int(seconds * float64(rate))
	out := make([]float32, 0, frames*channels)
	for i := 0; i < frames; i++ {
		s := float32(gain * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			out = append(out, s)
		}
	}
	if !host.Emit(out) {
		host.Log("sine: emit failed")
	}
}

func main() {}
