package process

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/portpilot/internal/stream"
)

// maxLine caps a single buffered line; longer output is published in chunks.
const maxLine = 64 * 1024

// lineWriter splits a child's output into lines, publishes each to the hub,
// and copies raw bytes to an optional file.
type lineWriter struct {
	mu   sync.Mutex
	hub  *stream.Hub[Line]
	kind Stream
	file io.Writer
	buf  bytes.Buffer
}

func newLineWriter(hub *stream.Hub[Line], kind Stream, file io.Writer) *lineWriter {
	return &lineWriter{hub: hub, kind: kind, file: file}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_, _ = w.file.Write(p)
	}
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.publish(line)
	}
	if w.buf.Len() > maxLine {
		w.publish(string(w.buf.Next(w.buf.Len())))
	}
	return len(p), nil
}

// Flush publishes a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.publish(string(w.buf.Next(w.buf.Len())))
	}
}

func (w *lineWriter) publish(s string) {
	s = strings.TrimRight(s, "\r\n")
	w.hub.Publish(Line{Stream: w.kind, Text: s, At: time.Now()})
}
