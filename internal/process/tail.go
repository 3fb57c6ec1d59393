package process

import (
	"bytes"
	"sync"
)

// Tail is a bounded, thread-safe buffer of the most recent output lines from
// a child process. It implements io.Writer so it can sit in an io.MultiWriter
// next to the real destination; when the child dies the retained lines give
// the exit log something to say.
type Tail struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial bytes.Buffer
}

// NewTail retains up to max lines, dropping the oldest on overflow.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = 1
	}
	return &Tail{max: max}
}

// Write splits p into lines, buffering a trailing partial line until its
// newline arrives.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial.Write(p)
	for {
		raw := t.partial.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(raw[:idx], "\r"))
		t.partial.Next(idx + 1)
		t.append(line)
	}
	return len(p), nil
}

func (t *Tail) append(line string) {
	if len(t.lines) >= t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}
	t.lines = append(t.lines, line)
}

// Lines returns the retained lines, oldest first. A buffered partial line is
// included so crash output without a final newline is not lost.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.lines), len(t.lines)+1)
	copy(out, t.lines)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}
