package mxio

import (
	"io"
	"log/slog"

	"github.com/mjl-/sendmx/mlog"
)

// tracer logs protocol traffic at a configurable level, so message data and
// credentials can be logged at a level that is normally hidden.
type tracer struct {
	log    mlog.Log
	prefix string // E.g. "LC: " for data written by the local client.
	level  slog.Level
}

// SetTrace sets the level for subsequent traces.
func (t *tracer) SetTrace(level slog.Level) {
	t.level = level
}

// TraceWriter logs all data written to it, then passes it on.
type TraceWriter struct {
	tracer
	w io.Writer
}

func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{tracer{log, prefix, mlog.LevelTrace}, w}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// TraceReader logs all data read through it.
type TraceReader struct {
	tracer
	r io.Reader
}

func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{tracer{log, prefix, mlog.LevelTrace}, r}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}
