package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// New builds the process logger and installs it as the zerolog global.
func New(level, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, service)
}

func NewWithWriter(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	log.Logger = l
	zerolog.DefaultContextLogger = &log.Logger
	return l
}

// Ctx returns the logger carried by ctx (or the global one) tagged with the
// active span's trace and span ids.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := log.Ctx(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	traced := l.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &traced
}
