package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo is the trace metadata attached to a request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the request logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the request logger, or a no-op logger when none is set.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared no-op logger so callers can detect the fallback.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores trace metadata.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace returns the trace metadata when present.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID returns the trace identifier or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Caller is filled in by the authentication layer so outer middleware can see who made the request.
type Caller struct {
	UserID          string
	VendorProfileID string
}

type callerKey struct{}

// WithCallerSlot installs an empty Caller that RecordCaller can fill later.
func WithCallerSlot(ctx context.Context) (context.Context, *Caller) {
	caller := &Caller{}
	return context.WithValue(ctx, callerKey{}, caller), caller
}

// RecordCaller fills the slot installed by WithCallerSlot; without a slot it does nothing.
func RecordCaller(ctx context.Context, userID, vendorProfileID string) {
	if caller, ok := ctx.Value(callerKey{}).(*Caller); ok && caller != nil {
		caller.UserID = userID
		caller.VendorProfileID = vendorProfileID
	}
}
