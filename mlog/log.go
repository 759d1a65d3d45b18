// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes, logged strings should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. smtpclient,
// dns. The configuration is application-global, so each Log instance uses the
// same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
package mlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Extra log levels, next to the slog levels. Trace levels are more verbose than
// debug. Traceauth hides authentication data, tracedata hides message data,
// unless enabled explicitly.
const (
	LevelTracedata slog.Level = -8
	LevelTraceauth slog.Level = -6
	LevelTrace     slog.Level = -5
	LevelDebug                = slog.LevelDebug
	LevelInfo                 = slog.LevelInfo
	LevelError                = slog.LevelError
	LevelPrint     slog.Level = 12 // Printed regardless of configured log level.
)

// Levels maps level names, as used in configuration files, to levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the reverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

var output struct {
	sync.Mutex
	w io.Writer
}

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
	output.w = os.Stderr
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// SetOutput changes where log lines are written, e.g. io.Discard for silent
// operation.
func SetOutput(w io.Writer) {
	output.Lock()
	defer output.Unlock()
	output.w = w
}

// Log wraps a slog.Logger, adding helper functions for logging with errors.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a logger
// writing with the levels from SetConfig is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a Log with attribute "pkg" set. The configured level for the
// package is used for filtering.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithCid adds a field "cid".
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithFunc sets a function that is called for each logged line, returning
// additional attributes.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(&funcHandler{l.Logger.Handler(), fn})}
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, msg, err, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, msg, err, attrs...)
}

func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Trace logs protocol data at a trace level. If the level is not enabled, but
// plain trace is, the data is replaced with "..." (tracedata) or "***"
// (traceauth).
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		if level >= LevelTrace || !l.Logger.Enabled(ctx, LevelTrace) {
			return
		}
		if level == LevelTraceauth {
			data = []byte("***")
		} else {
			data = []byte("...")
		}
		level = LevelTrace
	}
	l.Logger.LogAttrs(ctx, level, prefix+strings.TrimRight(string(data), "\r\n"))
}

// handler filters on the level configured for the "pkg" attribute and writes
// in text format to the configured output.
type handler struct {
	pkg    string
	attrs  []slog.Attr
	groups []string
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) level() slog.Level {
	c := *config.Load()
	if l, ok := c[h.pkg]; ok && h.pkg != "" {
		return l
	}
	if l, ok := c[""]; ok {
		return l
	}
	return LevelError
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= LevelPrint || level >= h.level()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	output.Lock()
	defer output.Unlock()

	th := slog.Handler(slog.NewTextHandler(output.w, &slog.HandlerOptions{
		Level: LevelTracedata,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.LevelKey {
				if s, ok := LevelStrings[a.Value.Any().(slog.Level)]; ok {
					return slog.String(slog.LevelKey, s)
				}
			}
			return a
		},
	}))
	if len(h.attrs) > 0 {
		th = th.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		th = th.WithGroup(g)
	}
	return th.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && len(h.groups) == 0 {
			nh.pkg = a.Value.String()
		}
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

// funcHandler adds attributes from fn to each record.
type funcHandler struct {
	slog.Handler
	fn func() []slog.Attr
}

func (h *funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.Handler.Handle(ctx, r)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &funcHandler{h.Handler.WithAttrs(attrs), h.fn}
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	return &funcHandler{h.Handler.WithGroup(name), h.fn}
}
