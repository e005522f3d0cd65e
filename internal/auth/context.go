package auth

import "context"

type contextKey int

const (
	identityKey contextKey = iota
	requestIDKey
)

// WithIdentity returns a context carrying the authenticated identity for the
// remainder of the call. Identity always travels in the context, never in a
// package-level variable, so concurrent requests cannot observe each other.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithRequestID returns a context carrying the per-request identifier used
// for log correlation and response envelopes.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom extracts the request identifier, or "" when unset.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
