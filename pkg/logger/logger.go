package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

var ctxKey = loggerKey{}

type loggerKey struct{}

type handler int

const (
	JSONHandler handler = iota
	TextHandler
	DevHandler
)

const DefaultLevel = slog.LevelInfo

// Logger wraps slog.Logger so components depend on an interface rather than
// a concrete handler configuration.
type Logger interface {
	Debug(msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
	Info(msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	Warn(msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	Error(msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
	Handler() slog.Handler

	With(args ...any) Logger
	SLog() *slog.Logger
}

type Opt func(o *opts)

type opts struct {
	writer  io.Writer
	level   slog.Level
	handler handler
}

func WithLevel(lvl slog.Level) Opt {
	return func(o *opts) {
		o.level = lvl
	}
}

func WithWriter(w io.Writer) Opt {
	return func(o *opts) {
		o.writer = w
	}
}

func WithHandler(h handler) Opt {
	return func(o *opts) {
		o.handler = h
	}
}

func New(options ...Opt) Logger {
	h := DevHandler
	switch strings.ToLower(os.Getenv("LOG_HANDLER")) {
	case "json":
		h = JSONHandler
	case "txt", "text":
		h = TextHandler
	}

	o := &opts{
		level:   Level(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: h,
	}
	for _, apply := range options {
		apply(o)
	}

	hopts := slog.HandlerOptions{Level: o.level}

	switch o.handler {
	case DevHandler:
		return &logger{
			Logger: slog.New(tint.NewHandler(o.writer, &tint.Options{
				Level:      o.level,
				TimeFormat: "[15:04:05.000]", // millisecond
			})),
		}
	case TextHandler:
		return &logger{Logger: slog.New(slog.NewTextHandler(o.writer, &hopts))}
	default:
		return &logger{Logger: slog.New(slog.NewJSONHandler(o.writer, &hopts))}
	}
}

// From returns the logger stored in ctx, or a new logger if none is stored.
func From(ctx context.Context, options ...Opt) Logger {
	l := ctx.Value(ctxKey)
	if l == nil {
		return New(options...)
	}
	return l.(Logger)
}

func With(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey, l)
}

func VoidLogger() Logger {
	return New(WithWriter(io.Discard))
}

func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return DefaultLevel
	}
}

type logger struct {
	*slog.Logger
}

func (l *logger) With(args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	return &logger{Logger: l.Logger.With(args...)}
}

func (l *logger) SLog() *slog.Logger {
	return l.Logger
}
