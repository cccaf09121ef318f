// Package auth verifies API callers.
//
// Callers present an HS256 JWT whose claims name the user ("sub"), the tenant
// ("tenant_id") and a role (member, admin or operator). HTTPAuthMiddleware
// verifies the token and stores an AuthContext on the request context;
// RequireAdminHTTP and RequireOperatorHTTP gate administrative routes.
//
// Tokens are minted elsewhere. Generate exists for the operator CLI and tests.
package auth
