// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/logging"
	"github.com/praesentia/praesentia/internal/models"
)

// Principal is the authenticated caller attached to the request context.
// An empty TenantID with RoleAdmin means unrestricted cross-tenant read
// access; everything else is confined to TenantID.
type Principal struct {
	Subject  string
	TenantID string
	Role     string
}

type contextKey int

const principalKey contextKey = iota

// ContextWithPrincipal attaches the principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// CheckTenant verifies the caller may act on the target tenant. Only a
// platform operator (RoleAdmin with no tenant claim) crosses tenants; a
// tenant-scoped admin is confined to its own school like everyone else.
// A missing principal in an authenticated deployment is a programming
// error and is rejected.
func CheckTenant(ctx context.Context, targetTenantID string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return models.CrossTenant("", targetTenantID)
	}
	if p.Role == RoleAdmin && p.TenantID == "" {
		return nil
	}
	if p.TenantID != targetTenantID {
		return models.CrossTenant(p.TenantID, targetTenantID)
	}
	return nil
}

// Authenticator is the HTTP middleware front of the configured auth mode.
type Authenticator struct {
	mode  string
	jwt   *JWTManager
	basic *BasicAuthManager
}

// NewAuthenticator builds the authenticator for the configured mode.
func NewAuthenticator(cfg *config.SecurityConfig) (*Authenticator, error) {
	a := &Authenticator{mode: cfg.AuthMode}

	switch cfg.AuthMode {
	case "jwt":
		mgr, err := NewJWTManager(cfg)
		if err != nil {
			return nil, err
		}
		a.jwt = mgr
	case "basic":
		mgr, err := NewBasicAuthManager(cfg.AdminUsername, cfg.AdminPassword)
		if err != nil {
			return nil, err
		}
		a.basic = mgr
	case "none":
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	return a, nil
}

// Mode returns the configured auth mode.
func (a *Authenticator) Mode() string {
	return a.mode
}

// JWTManager returns the token manager, nil outside jwt mode. The login
// handler uses it to issue tokens.
func (a *Authenticator) JWTManager() *JWTManager {
	return a.jwt
}

// Middleware authenticates the request and attaches the principal. The
// tenant from the token also lands in the logging context so every log
// line downstream carries it.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).
				Str("path", r.URL.Path).
				Msg("Authentication failed")
			unauthorized(w, a.mode)
			return
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		if principal.TenantID != "" {
			ctx = logging.ContextWithTenantID(ctx, principal.TenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	switch a.mode {
	case "jwt":
		token, err := bearerToken(r)
		if err != nil {
			return nil, err
		}
		claims, err := a.jwt.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &Principal{
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
			Role:     claims.Role,
		}, nil

	case "basic":
		username, err := a.basic.ValidateCredentials(r.Header.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		return &Principal{Subject: username, Role: RoleAdmin}, nil

	default: // none
		return &Principal{Subject: "anonymous", Role: RoleAdmin}, nil
	}
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer "), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("missing bearer token")
}

func unauthorized(w http.ResponseWriter, mode string) {
	if mode == "basic" {
		w.Header().Set("WWW-Authenticate", `Basic realm="praesentia"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "authentication required",
	})
}
