// ABOUTME: JWT verification for API callers
// ABOUTME: HS256 tokens carrying user, tenant and role claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Roles recognised in the "role" claim.
const (
	RoleMember   = "member"
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID   string
	TenantID string
	Role     string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts its claims. "sub" and "tenant_id"
// are required; a missing "role" means member.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	c := &Claims{Role: RoleMember}
	if c.UserID, _ = mc["sub"].(string); c.UserID == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if c.TenantID, _ = mc["tenant_id"].(string); c.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}
	if role, _ := mc["role"].(string); role != "" {
		c.Role = role
	}
	return c, nil
}

// Generate signs a token for c that expires after expiresIn.
func (v *JWTVerifier) Generate(c Claims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       c.UserID,
		"tenant_id": c.TenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(expiresIn).Unix(),
	}
	if c.Role != "" {
		claims["role"] = c.Role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
