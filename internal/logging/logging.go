// Package logging writes one JSON object per line, the format shared by the
// access log, startup messages and query execution events.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Fields is a single log entry.
type Fields map[string]any

// Logger emits JSON lines with a "ts" timestamp rendered in its location.
// The zero value is not usable; build one with New.
type Logger struct {
	mu  sync.Mutex
	out *log.Logger
	loc *time.Location
}

// New returns a Logger writing to w. A nil loc means UTC.
func New(w io.Writer, loc *time.Location) *Logger {
	if loc == nil {
		loc = time.UTC
	}
	return &Logger{out: log.New(w, "", 0), loc: loc}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(os.Stdout, time.UTC)
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Log writes f as one line. When "level" is absent it is derived from
// "status": "error" maps to level error, anything else to info.
func (l *Logger) Log(f Fields) {
	entry := make(Fields, len(f)+2)
	for k, v := range f {
		entry[k] = v
	}
	entry["ts"] = time.Now().In(l.loc).Format(time.RFC3339Nano)
	if _, ok := entry["level"]; !ok {
		if entry["status"] == "error" {
			entry["level"] = "error"
		} else {
			entry["level"] = "info"
		}
	}

	b, err := json.Marshal(entry)
	if err != nil {
		l.mu.Lock()
		l.out.Printf(`{"level":"error","msg":"log_marshal_failed","error":%q}`, err.Error())
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.out.Println(string(b))
	l.mu.Unlock()
}

// Info logs msg at info level with extra fields.
func (l *Logger) Info(msg string, f Fields) {
	l.write("info", msg, f)
}

// Error logs msg at error level, attaching err.
func (l *Logger) Error(msg string, err error, f Fields) {
	if f == nil {
		f = Fields{}
	}
	if err != nil {
		f["error"] = err.Error()
	}
	l.write("error", msg, f)
}

// Location returns the time zone used for timestamps.
func (l *Logger) Location() *time.Location {
	return l.loc
}

func (l *Logger) write(level, msg string, f Fields) {
	entry := make(Fields, len(f)+2)
	for k, v := range f {
		entry[k] = v
	}
	entry["level"] = level
	entry["msg"] = msg
	l.Log(entry)
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
