// ABOUTME: Tests for the HTTP auth middleware and role gates
// ABOUTME: Uses httptest recorders around a handler that echoes the AuthContext

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(t *testing.T, got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func tokenFor(t *testing.T, role string) string {
	t.Helper()
	token, err := NewJWTVerifier(testSecret).Generate(Claims{UserID: "u1", TenantID: "clinic-1", Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHTTPAuthMiddleware(t *testing.T) {
	var got *AuthContext
	h := HTTPAuthMiddleware(NewJWTVerifier(testSecret))(echoHandler(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, RoleMember))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "clinic-1", got.TenantID)
	assert.False(t, got.IsAdmin())
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", `{"error":"missing authorization header"}`},
		{"wrong scheme", "Basic abc", `{"error":"invalid authorization header format"}`},
		{"bad token", "Bearer nope", `{"error":"invalid token"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			h := HTTPAuthMiddleware(NewJWTVerifier(testSecret))(echoHandler(t, &got))

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
			assert.Nil(t, got)
		})
	}
}

func TestHTTPAuthMiddleware_QueryTokenOnlyForWebsocket(t *testing.T) {
	var got *AuthContext
	h := HTTPAuthMiddleware(NewJWTVerifier(testSecret))(echoHandler(t, &got))
	token := tokenFor(t, RoleMember)

	plain := httptest.NewRequest(http.MethodGet, "/api/sessions?token="+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, plain)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ws := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	ws.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, ws)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
}

func TestRoleGates(t *testing.T) {
	tests := []struct {
		role     string
		admin    int
		operator int
	}{
		{RoleMember, http.StatusForbidden, http.StatusForbidden},
		{RoleAdmin, http.StatusNoContent, http.StatusForbidden},
		{RoleOperator, http.StatusNoContent, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			var got *AuthContext
			verify := HTTPAuthMiddleware(NewJWTVerifier(testSecret))

			for gate, want := range map[string]int{"admin": tt.admin, "operator": tt.operator} {
				mw := RequireAdminHTTP()
				if gate == "operator" {
					mw = RequireOperatorHTTP()
				}
				h := verify(mw(echoHandler(t, &got)))

				req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
				req.Header.Set("Authorization", "Bearer "+tokenFor(t, tt.role))
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				assert.Equal(t, want, rec.Code, gate)
			}
		})
	}
}

func TestRequireAdminHTTP_NoAuthContext(t *testing.T) {
	var got *AuthContext
	h := RequireAdminHTTP()(echoHandler(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
