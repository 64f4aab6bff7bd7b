// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"strings"

	"github.com/braid-chat/braid/internal/logging"
)

// =============================================================================
// FRAMING CONSTANTS
// =============================================================================

const (
	// framePrefix marks SSE data lines; everything else (comments,
	// keepalives, event/id fields) is ignored.
	framePrefix = "data:"

	// terminalToken is the literal end-of-stream sentinel.
	terminalToken = "[DONE]"

	// MaxPayloadBytes bounds the line buffer. A stream that accumulates
	// this much without yielding a complete frame is aborted; this caps
	// memory against a misbehaving or malicious server.
	MaxPayloadBytes = 512 * 1024
)

// =============================================================================
// FRAME DECODER
// =============================================================================

// FrameDecoder accumulates raw byte chunks and yields decoded frames.
//
// Chunking is transparent: for any sequence of chunk boundaries inserted into
// a complete SSE payload, the decoded frame sequence is identical to decoding
// the payload in one piece. An incomplete trailing line is held back until
// the next chunk arrives.
type FrameDecoder struct {
	buf     strings.Builder
	done    bool
	dropped int
}

// NewFrameDecoder creates an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Write appends a chunk and returns every frame completed by it. After the
// terminal token has been seen, further input is discarded. The only error
// is ErrPayloadTooLarge.
func (d *FrameDecoder) Write(chunk []byte) ([]Frame, error) {
	if d.done {
		return nil, nil
	}

	d.buf.WriteString(string(chunk))
	text := d.buf.String()

	var frames []Frame
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := text[:idx]
		text = text[idx+1:]

		frame, terminal := d.decodeLine(line)
		if terminal {
			// No further lines are processed after the sentinel, even if
			// more data trails it in the same chunk.
			d.done = true
			d.buf.Reset()
			return frames, nil
		}
		if frame != nil {
			frames = append(frames, *frame)
		}
	}

	// Retain the trailing partial line for the next chunk.
	d.buf.Reset()
	d.buf.WriteString(text)

	if d.buf.Len() > MaxPayloadBytes {
		return frames, ErrPayloadTooLarge
	}
	return frames, nil
}

// decodeLine parses one complete line. Returns the decoded frame (nil for
// ignored or malformed lines) and whether the line was the terminal token.
func (d *FrameDecoder) decodeLine(line string) (*Frame, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, framePrefix) {
		return nil, false
	}

	payload := strings.TrimSpace(line[len(framePrefix):])
	if payload == terminalToken {
		return nil, true
	}
	if payload == "" {
		return nil, false
	}

	var frame Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		// A single bad frame must not abort an otherwise healthy stream.
		d.dropped++
		logging.L().WithField("dropped", d.dropped).Debug("skipping malformed frame")
		return nil, false
	}
	return &frame, false
}

// Done reports whether the terminal token has been seen.
func (d *FrameDecoder) Done() bool {
	return d.done
}

// DroppedFrames returns how many malformed frames were skipped. The count
// exists so tests and metrics can observe the silent-skip policy.
func (d *FrameDecoder) DroppedFrames() int {
	return d.dropped
}

// Buffered returns the number of bytes held back awaiting a newline.
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len()
}
