package auth

import (
	"context"
	"strings"
)

// Role names recognised across the API surface.
const (
	// RoleBuyer is granted to every authenticated shopper.
	RoleBuyer = "buyer"
	// RoleVendor marks staff accounts acting on behalf of a vendor.
	RoleVendor = "vendor"
	// RoleAdmin marks marketplace operators with cross-vendor access.
	RoleAdmin = "admin"
)

// Identity represents the authenticated principal resolved from a Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string

	// VendorID scopes vendor-role identities to the vendor they operate.
	// Empty for buyers and admins.
	VendorID string
}

// HasRole reports whether the identity carries the provided role.
func (i Identity) HasRole(role string) bool {
	if role == "" {
		return false
	}
	for _, candidate := range i.Roles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the provided roles.
func (i Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IsVendor reports whether the identity can act for a vendor.
func (i Identity) IsVendor() bool {
	return i.HasRole(RoleVendor) && i.VendorID != ""
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type identityContextKey string

const contextKey identityContextKey = "github.com/stallfront/api/internal/platform/auth/identity"

// WithIdentity stores the identity on the provided context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey, identity)
}

// IdentityFromContext extracts the identity from the context when present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKey).(Identity)
	return identity, ok
}
