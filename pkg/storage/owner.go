package storage

import "context"

// ownerKey is a private type for the owner context key, preventing
// collisions with other packages.
type ownerKey struct{}

// SetOwner injects an owner identifier into the context.
func SetOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext extracts the owner identifier from the context.
// Returns an empty string if no owner is set (unauthenticated mode).
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}
