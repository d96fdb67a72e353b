package logging

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
)

// WithRequestIDCtx returns a context carrying an RPC request id.
func WithRequestIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx extracts the request id from the context.
func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLoggerCtx returns a context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx returns the context's logger, falling back to base and then to
// the global logger. A request id in the context is attached if the
// logger does not already carry it.
func FromCtx(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id := RequestIDFromCtx(ctx); id != "" && l.requestID != id {
		l = l.WithRequestID(id)
	}
	return l
}
