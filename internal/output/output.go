// Package output is the abstract sink that prompts, pairing results and
// other operator-facing text are written to.
package output

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Source classifies a record
type Source string

const (
	SourcePrompt Source = "prompt" // operator input is expected
	SourceResult Source = "result" // outcome of an operation
	SourceInfo   Source = "info"
	SourceData   Source = "data" // session payload observations
)

// Record is one line of operator-facing output
type Record struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// Sink receives operator-facing output. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(rec Record)
}

// Printf formats and emits one record. A nil sink discards.
func Printf(s Sink, src Source, format string, args ...any) {
	if s == nil {
		return
	}
	s.Emit(Record{
		Content:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
		Source:    src,
	})
}

type discard struct{}

func (discard) Emit(Record) {}

// Discard drops every record
var Discard Sink = discard{}

// WriterSink writes each record to w as a line, immediately
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a Sink that writes to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements Sink
func (s *WriterSink) Emit(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, withNewline(rec.Content))
}

func withNewline(s string) string {
	if len(s) == 0 || s[len(s)-1] != '\n' {
		return s + "\n"
	}
	return s
}
