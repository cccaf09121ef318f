// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating claims via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity of a request.
type AuthContext struct {
	UserID   string
	TenantID string
	Role     string
}

// IsAdmin returns true for tenant admins and deployment operators.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleOperator
}

// IsOperator returns true for deployment-wide operators.
func (a *AuthContext) IsOperator() bool {
	return a.Role == RoleOperator
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
