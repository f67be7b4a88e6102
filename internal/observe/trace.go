package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the parlance tracer.
const tracerName = "github.com/MrWong99/parlance"

// Tracer returns the package-level [trace.Tracer] for parlance. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// span carries a session.id attribute when ctx has one. The caller must call
// span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("session.id", id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type sessionKey struct{}

// WithSessionID returns a copy of ctx carrying the voice session id, which
// [Logger] attaches to every record.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the voice session id stored by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns an [slog.Logger] enriched with the session id and with
// trace_id and span_id from the OTel span context in ctx. Without either, the
// returned logger is the default slog logger.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
