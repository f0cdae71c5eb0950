// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-offsync/internal/auth"
)

const tokenIssuer = "go-offsync"

// JWTAuth issues and checks the tenant-scoped tokens of the record API
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims represents JWT claims for a user acting within one tenant
type JWTClaims struct {
	TenantID string `json:"tid"` // Tenant (fleet operator) the user acts for
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for userID within tenantID
func (j *JWTAuth) GenerateToken(userID, tenantID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Token validation failures callers may want to tell apart
var (
	ErrMissingTenant = errors.New("missing tid (tenant ID) in token")
	ErrMissingUser   = errors.New("missing sub (user ID) in token")
)

// TenantHeader optionally names the fleet operator a request is meant for. When
// present it must match the token's tenant, so a client holding a token for one
// operator cannot be pointed at another operator's records by a stale config.
const TenantHeader = "X-Tenant-ID"

// ValidateToken checks signature, issuer and expiry, and requires both the
// user and the tenant claim
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if claims.Subject == "" {
		return nil, ErrMissingUser
	}
	return claims, nil
}

// Middleware authenticates the bearer token and scopes the request to the
// token's user and tenant. Record handlers read both from the context and
// never from the request body.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "authentication_failed", "Bearer token required")
			return
		}

		claims, err := j.ValidateToken(strings.TrimSpace(raw))
		if err != nil {
			slog.Warn("Rejected record API token", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid token")
			return
		}
		if want := r.Header.Get(TenantHeader); want != "" && want != claims.TenantID {
			slog.Warn("Tenant header does not match token",
				"path", r.URL.Path, "user_id", claims.Subject, "token_tenant", claims.TenantID, "header_tenant", want)
			writeError(w, http.StatusForbidden, "tenant_mismatch", "Token is not valid for the requested tenant")
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
