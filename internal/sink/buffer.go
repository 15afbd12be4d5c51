package sink

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-audio/audio"
)

// Quantize converts float samples in [-1, 1] to 16-bit integers. Out-of-range samples clip.
func Quantize(buf *audio.FloatBuffer) *audio.IntBuffer {
	out := &audio.IntBuffer{Format: buf.Format, SourceBitDepth: BitDepth, Data: make([]int, len(buf.Data))}
	for i, s := range buf.Data {
		if math.IsNaN(s) {
			s = 0
		}
		s = math.Max(-1, math.Min(1, s))
		out.Data[i] = int(math.Round(s * math.MaxInt16))
	}
	return out
}

// Split slices buf into sub-buffers of at most frames frames each, in order. The
// sub-buffers share buf's backing array.
func Split(buf *audio.IntBuffer, frames int) []*audio.IntBuffer {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	step := frames * channels
	if step <= 0 {
		step = len(buf.Data)
	}
	var chunks []*audio.IntBuffer
	for start := 0; start < len(buf.Data); start += step {
		end := min(start+step, len(buf.Data))
		chunks = append(chunks, &audio.IntBuffer{
			Format:         buf.Format,
			SourceBitDepth: buf.SourceBitDepth,
			Data:           buf.Data[start:end],
		})
	}
	return chunks
}

// EncodePCM renders buf as interleaved signed 16-bit little endian bytes.
func EncodePCM(buf *audio.IntBuffer) []byte {
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clamp16(s))))
	}
	return pcm
}

// DecodePCM is the inverse of EncodePCM.
func DecodePCM(pcm []byte, format *audio.Format) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{Format: format, SourceBitDepth: BitDepth, Data: data}, nil
}

// Frames is the number of sample frames in buf.
func Frames(buf *audio.IntBuffer) int {
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return len(buf.Data)
	}
	return len(buf.Data) / buf.Format.NumChannels
}

func clamp16(s int) int {
	return max(math.MinInt16, min(math.MaxInt16, s))
}
