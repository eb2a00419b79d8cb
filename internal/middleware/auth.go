// Package middleware provides HTTP middleware for the mediation server
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	Enabled    bool
	APIKeys    []string
	HeaderName string // default: X-API-Key
}

// Auth guards the admin surface with API keys
type Auth struct {
	config    AuthConfig
	onFailure func()
}

// NewAuth creates a new Auth middleware. onFailure, if set, is called for
// every rejected request.
func NewAuth(config AuthConfig, onFailure func()) *Auth {
	if config.HeaderName == "" {
		config.HeaderName = "X-API-Key"
	}
	keys := make([]string, 0, len(config.APIKeys))
	for _, k := range config.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	config.APIKeys = keys

	if onFailure == nil {
		onFailure = func() {}
	}
	return &Auth{config: config, onFailure: onFailure}
}

// Middleware returns the authentication middleware handler
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Get API key from header
		apiKey := r.Header.Get(a.config.HeaderName)
		if apiKey == "" {
			// Also check Authorization header with Bearer scheme
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			a.reject(w, r, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}

		if !a.validateKey(apiKey) {
			a.reject(w, r, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) reject(w http.ResponseWriter, r *http.Request, body string, status int) {
	a.onFailure()
	l := logger.HTTP()
	l.Warn().
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Int("status", status).
		Msg("Admin request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// validateKey checks an API key in constant time per candidate
func (a *Auth) validateKey(key string) bool {
	valid := false
	for _, candidate := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			valid = true
		}
	}
	return valid
}

// IsEnabled returns whether authentication is enabled
func (a *Auth) IsEnabled() bool {
	return a.config.Enabled
}
