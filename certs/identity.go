package certs

import (
	"context"

	"github.com/jmcleod/mtlsvault/storage"
)

// Identity is the caller as established by the surrounding authentication
// layer. The service trusts it as given.
type Identity struct {
	UserID int64
	Role   storage.Role
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool { return id.Role == storage.RoleAdmin }

// canAccess reports whether id may read a certificate owned by owner.
func (id Identity) canAccess(owner int64) bool {
	return id.IsAdmin() || id.UserID == owner
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
