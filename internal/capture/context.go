package capture

import "context"

type ctxKey int

const (
	suppressKey ctxKey = iota
	originKey
)

// Suppress marks a context so capture ignores mutations made under it.
//
// The pull replicator and the collision rename path wrap every
// self-induced mutation in a suppressed context. Scoping the guard to
// the context - rather than a process-wide flag - guarantees release
// on all exit paths and keeps concurrent sync runs from racing on
// shared state.
func Suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey, true)
}

// Suppressed reports whether capture is suppressed for this context.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey).(bool)
	return v
}

// WithOrigin attaches the originating device id of a sync-delivered
// mutation. The master HTTP layer sets this from the
// X-Source-Device-ID request header so changes it applies on behalf of
// a child are logged with the child's origin, not the master's.
func WithOrigin(ctx context.Context, deviceID string) context.Context {
	if deviceID == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey, deviceID)
}

// Origin returns the origin device id carried by the context, or ""
// when the mutation is node-native.
func Origin(ctx context.Context) string {
	v, _ := ctx.Value(originKey).(string)
	return v
}
