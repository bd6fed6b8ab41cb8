// Package logsink is the caller-supplied debug-logging destination.
// The core never holds a process-wide log stream: every component that
// wants to narrate receives a Sink through its configuration, and the
// default sink discards everything.
package logsink

import (
	"fmt"
	"io"
)

// Sink receives diagnostic output from the core's components.
type Sink interface {
	// Debugf reports detail only useful when tracing a run.
	Debugf(format string, args ...interface{})
	// Infof reports progress a verbose run wants to see.
	Infof(format string, args ...interface{})
	// Warnf reports degraded-but-continuing conditions.
	Warnf(format string, args ...interface{})
}

type nullSink struct{}

func (nullSink) Debugf(string, ...interface{}) {}
func (nullSink) Infof(string, ...interface{})  {}
func (nullSink) Warnf(string, ...interface{})  {}

// Null returns the discard-everything sink.
func Null() Sink { return nullSink{} }

// WriterSink writes every message as one line to an io.Writer.
type WriterSink struct {
	W io.Writer
}

// NewWriter wraps w as a Sink.
func NewWriter(w io.Writer) *WriterSink { return &WriterSink{W: w} }

func (s *WriterSink) Debugf(format string, args ...interface{}) { s.line("debug", format, args) }
func (s *WriterSink) Infof(format string, args ...interface{})  { s.line("info", format, args) }
func (s *WriterSink) Warnf(format string, args ...interface{})  { s.line("warn", format, args) }

func (s *WriterSink) line(level, format string, args []interface{}) {
	fmt.Fprintf(s.W, "%s: %s\n", level, fmt.Sprintf(format, args...))
}
