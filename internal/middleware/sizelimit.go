package middleware

import (
	"net/http"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// SizeLimitConfig holds request size limits. Bid requests carry a full
// OpenRTB payload; admin calls carry no body at all.
type SizeLimitConfig struct {
	Enabled          bool
	MaxBodySize      int64 // bid request body cap in bytes
	MaxAdminBodySize int64 // admin body cap in bytes
	MaxURLLength     int
}

// DefaultSizeLimitConfig returns default size limit configuration
func DefaultSizeLimitConfig() SizeLimitConfig {
	return SizeLimitConfig{
		Enabled:          true,
		MaxBodySize:      1024 * 1024, // 1MB
		MaxAdminBodySize: 4 * 1024,
		MaxURLLength:     8192,
	}
}

// SizeLimiter bounds URL and body sizes per endpoint class
type SizeLimiter struct {
	config   SizeLimitConfig
	onReject func(endpoint string)
}

// NewSizeLimiter creates a new size limiter. Zero limits take the defaults.
// onReject, if set, is called with the endpoint class of every rejected request.
func NewSizeLimiter(config SizeLimitConfig, onReject func(endpoint string)) *SizeLimiter {
	d := DefaultSizeLimitConfig()
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = d.MaxBodySize
	}
	if config.MaxAdminBodySize <= 0 {
		config.MaxAdminBodySize = d.MaxAdminBodySize
	}
	if config.MaxURLLength <= 0 {
		config.MaxURLLength = d.MaxURLLength
	}
	if onReject == nil {
		onReject = func(string) {}
	}
	return &SizeLimiter{config: config, onReject: onReject}
}

// Auction limits bid request endpoints
func (sl *SizeLimiter) Auction(next http.Handler) http.Handler {
	return sl.limit("auction", sl.config.MaxBodySize, next)
}

// Admin limits admin endpoints
func (sl *SizeLimiter) Admin(next http.Handler) http.Handler {
	return sl.limit("admin", sl.config.MaxAdminBodySize, next)
}

func (sl *SizeLimiter) limit(endpoint string, maxBody int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(r.URL.String()) > sl.config.MaxURLLength {
			sl.reject(w, r, endpoint, `{"error":"URL too long"}`, http.StatusRequestURITooLong)
			return
		}

		// Declared lengths are refused up front; the reader catches the rest
		if r.ContentLength > maxBody {
			sl.reject(w, r, endpoint, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}

		next.ServeHTTP(w, r)
	})
}

func (sl *SizeLimiter) reject(w http.ResponseWriter, r *http.Request, endpoint, body string, status int) {
	sl.onReject(endpoint)
	l := logger.HTTP()
	l.Warn().
		Str("endpoint", endpoint).
		Str("path", r.URL.Path).
		Int64("content_length", r.ContentLength).
		Int("status", status).
		Msg("Request exceeds size limit")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
