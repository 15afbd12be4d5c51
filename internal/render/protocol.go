// Package render produces one cycle of audio for a voice. The daemon runs each cycle in a
// child process: it writes a Request as JSON to the child's stdin and reads Chunks back as
// JSON lines from its stdout.
package render

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-live/internal/sink"
)

// Request describes one render cycle. The renderer resolves the generator's MIDI devices
// and the voice's group itself, since finding them means running generator code.
type Request struct {
	ID          string `json:"id"`
	Voice       string `json:"voice"`
	Index       int    `json:"index"`
	Namespace   string `json:"namespace"`
	Generator   string `json:"generator"`
	Digest      string `json:"digest,omitempty"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	ChunkFrames int    `json:"chunk_frames"`
}

func (r Request) Format() *audio.Format {
	return &audio.Format{NumChannels: r.Channels, SampleRate: r.SampleRate}
}

// Chunk is one line of render output. The last line has Final set and carries Error when
// the cycle failed.
type Chunk struct {
	Sequence  int    `json:"sequence"`
	Frames    int    `json:"frames,omitempty"`
	PCMBase64 string `json:"pcm_base64,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EmitFunc receives sub-buffers in order. A returned error aborts the cycle.
type EmitFunc func(buf *audio.IntBuffer) error

// Renderer runs one cycle.
type Renderer interface {
	Render(ctx context.Context, req Request, emit EmitFunc) error
}

// ErrRenderFailed wraps failures reported by the render side.
var ErrRenderFailed = errors.New("render failed")

// Serve reads a Request from in, renders it with r and writes Chunks to out.
func Serve(ctx context.Context, in io.Reader, out io.Writer, r Renderer) error {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	enc := json.NewEncoder(out)
	seq := 0
	err := r.Render(ctx, req, func(buf *audio.IntBuffer) error {
		chunk := Chunk{
			Sequence:  seq,
			Frames:    sink.Frames(buf),
			PCMBase64: base64.StdEncoding.EncodeToString(sink.EncodePCM(buf)),
		}
		seq++
		return enc.Encode(chunk)
	})
	final := Chunk{Sequence: seq, Final: true}
	if err != nil {
		final.Error = err.Error()
	}
	if encErr := enc.Encode(final); encErr != nil && err == nil {
		err = encErr
	}
	return err
}

// Receive decodes Chunks from r and passes their audio to emit until the final chunk.
func Receive(r io.Reader, format *audio.Format, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	next := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Final {
			if chunk.Error != "" {
				return fmt.Errorf("%w: %s", ErrRenderFailed, chunk.Error)
			}
			return nil
		}
		if chunk.Sequence != next {
			return fmt.Errorf("chunk %d out of order, expected %d", chunk.Sequence, next)
		}
		next++
		pcm, err := base64.StdEncoding.DecodeString(chunk.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode pcm: %w", err)
		}
		buf, err := sink.DecodePCM(pcm, format)
		if err != nil {
			return err
		}
		if err := emit(buf); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: output ended without final chunk", ErrRenderFailed)
}
