// Package sse reads and writes Server-Sent Event streams.
//
// The Reader hands back one frame at a time while preserving the exact bytes
// it consumed (comments, field order, and line endings included), so a relay
// can forward untouched frames verbatim and only re-encode the frames it
// rewrites.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one frame of an event stream.
type Event struct {
	// Name is the value of the event: field, empty when the frame has none.
	Name string

	// Data is the concatenation of the frame's data: lines, joined with
	// newlines per the SSE processing model.
	Data string

	// Raw holds the frame exactly as read, including the terminating blank
	// line. Writing Raw to another stream reproduces the frame.
	Raw []byte
}

// Reader decodes frames from an event stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reading. Frames larger than the
// internal buffer grow as needed.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. A frame ends at the first blank line;
// comment-only and even empty frames are returned too, so relays can pass
// keep-alives through. At end of stream an unterminated trailing frame is
// returned first, then io.EOF.
func (r *Reader) Next() (*Event, error) {
	var (
		raw   bytes.Buffer
		data  []string
		name  string
		lines int
	)
	for {
		line, err := r.r.ReadString('\n')
		if line != "" {
			raw.WriteString(line)
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" && strings.HasSuffix(line, "\n") {
				return &Event{Name: name, Data: strings.Join(data, "\n"), Raw: raw.Bytes()}, nil
			}
			if trimmed != "" {
				lines++
				switch {
				case strings.HasPrefix(trimmed, "data:"):
					data = append(data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
				case strings.HasPrefix(trimmed, "event:"):
					name = strings.TrimPrefix(strings.TrimPrefix(trimmed, "event:"), " ")
				}
			}
		}
		if err != nil {
			if err == io.EOF && lines > 0 {
				return &Event{Name: name, Data: strings.Join(data, "\n"), Raw: raw.Bytes()}, nil
			}
			return nil, err
		}
	}
}

// ── Writing ──────────────────────────────────────────────────

// WriteEvent writes one named frame. Multi-line data is split across data:
// lines. The writer is flushed when it supports flushing.
func WriteEvent(w io.Writer, name, data string) error {
	var sb strings.Builder
	if name != "" {
		sb.WriteString("event: ")
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	Flush(w)
	return nil
}

// WriteData writes one nameless data frame.
func WriteData(w io.Writer, data string) error {
	return WriteEvent(w, "", data)
}

// WriteRaw forwards already-framed bytes verbatim.
func WriteRaw(w io.Writer, raw []byte) error {
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	Flush(w)
	return nil
}

// Flush pushes buffered bytes to the client when w is an http.Flusher.
func Flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
