package logging

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/policygate/policygate/internal/observability"
)

// Logger is the component scoped logger threaded through ctx. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(component, msg string, fields ...any)
	Info(component, msg string, fields ...any)
	Warn(component, msg string, fields ...any)
	Error(component, msg string, fields ...any)
	// Event records an audit style occurrence tagged with the op id in ctx
	Event(ctx context.Context, event string, fields map[string]any)
	Close() error
}

type loggerKey struct{}

func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// From never returns nil
func From(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// Nop returns a logger that discards everything
func Nop() Logger { return nopLogger{} }

// record is one line before encoding
type record struct {
	Time      time.Time
	Level     Level
	Component string
	Msg       string
	Event     string
	OpID      string
	Fields    map[string]any
}

// encoder renders a record as a single newline terminated line
type encoder interface {
	encode(r record) ([]byte, error)
}

func NewLogger(cfg Config) (Logger, error) {
	var enc encoder
	switch cfg.Format {
	case "jsonl":
		enc = jsonEncoder{}
	case "pretty":
		enc = textEncoder{}
	case "", "none":
		return Nop(), nil
	default:
		return nil, errors.New("logging: unknown format " + cfg.Format)
	}

	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return &logger{enc: enc, out: out, closer: closer, min: ParseLevel(cfg.Level)}, nil
}

func openOutput(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

type logger struct {
	enc    encoder
	min    Level
	closer io.Closer

	mu  sync.Mutex
	out io.Writer
}

func (l *logger) Debug(component, msg string, fields ...any) {
	l.log(LevelDebug, component, msg, fields)
}

func (l *logger) Info(component, msg string, fields ...any) {
	l.log(LevelInfo, component, msg, fields)
}

func (l *logger) Warn(component, msg string, fields ...any) {
	l.log(LevelWarn, component, msg, fields)
}

func (l *logger) Error(component, msg string, fields ...any) {
	l.log(LevelError, component, msg, fields)
}

func (l *logger) log(level Level, component, msg string, fields []any) {
	if level < l.min {
		return
	}
	l.emit(record{Time: time.Now(), Level: level, Component: component, Msg: msg, Fields: pairs(fields)})
}

func (l *logger) Event(ctx context.Context, event string, fields map[string]any) {
	if LevelInfo < l.min {
		return
	}
	l.emit(record{
		Time:      time.Now(),
		Level:     LevelInfo,
		Component: "engine",
		Event:     event,
		OpID:      observability.OpID(ctx),
		Fields:    fields,
	})
}

func (l *logger) emit(r record) {
	line, err := l.enc.encode(r)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.out.Write(line)
	l.mu.Unlock()
}

func (l *logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// pairs folds key/value arguments into a map. Non string keys and a trailing
// odd value are skipped; errors are stored by message.
func pairs(kv []any) map[string]any {
	if len(kv) < 2 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			m[k] = err.Error()
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}

type nopLogger struct{}

func (nopLogger) Debug(string, string, ...any)                  {}
func (nopLogger) Info(string, string, ...any)                   {}
func (nopLogger) Warn(string, string, ...any)                   {}
func (nopLogger) Error(string, string, ...any)                  {}
func (nopLogger) Event(context.Context, string, map[string]any) {}
func (nopLogger) Close() error                                  { return nil }
