// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; services, gates and audit enrichment read them
// without importing net/http.
//
//	requestID := requestcontext.RequestID(ctx)
//	contextID := requestcontext.ContextID(ctx)
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"

	id "bloodlink/pkg/domain"
)

type (
	requestIDKey   struct{}
	contextIDKey   struct{}
	requestTimeKey struct{}
)

var (
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyContextID   = contextIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// ContextID retrieves the execution context id (browser/device) from the context.
// Returns the zero value if not set.
func ContextID(ctx context.Context) id.ContextID {
	if cid, ok := ctx.Value(ContextKeyContextID).(id.ContextID); ok {
		return cid
	}
	return id.ContextID{}
}

// WithContextID injects an execution context id.
func WithContextID(ctx context.Context, cid id.ContextID) context.Context {
	return context.WithValue(ctx, ContextKeyContextID, cid)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (background reconciliation, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
