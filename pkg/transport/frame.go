package transport

import (
	"bytes"
	"encoding/json"
)

const frameDelimiter = '\n'

// ActionSubscribe is the action of a subscribe request.
const ActionSubscribe = "SUB"

type subscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// frameBuffer accumulates stream bytes and splits them into newline-delimited
// frames. A partial frame growing past limit is discarded up to its delimiter.
type frameBuffer struct {
	buf   []byte
	limit int // zero means unbounded
	skip  bool
}

// Write buffers p and returns the number of bytes discarded because the
// partial frame they belong to exceeded the limit.
func (b *frameBuffer) Write(p []byte) (dropped int) {
	if b.skip {
		i := bytes.IndexByte(p, frameDelimiter)
		if i < 0 {
			return len(p)
		}
		dropped, p = i+1, p[i+1:]
		b.skip = false
	}
	b.buf = append(b.buf, p...)

	if b.limit <= 0 {
		return dropped
	}
	tail := bytes.LastIndexByte(b.buf, frameDelimiter) + 1
	if pending := len(b.buf) - tail; pending > b.limit {
		dropped += pending
		b.buf = b.buf[:tail]
		if len(b.buf) == 0 {
			b.buf = nil
		}
		b.skip = true
	}
	return dropped
}

// Next returns the next complete frame without its delimiter.
func (b *frameBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(b.buf, frameDelimiter)
	if i < 0 {
		return nil, false
	}
	frame := append([]byte(nil), b.buf[:i]...)
	b.buf = b.buf[i+1:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frame, true
}

// Len returns the number of buffered bytes not yet returned as a frame.
func (b *frameBuffer) Len() int {
	return len(b.buf)
}

func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, frameDelimiter), nil
}
