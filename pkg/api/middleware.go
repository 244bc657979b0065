package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/partsearch/partsearch/pkg/auth"
)

type contextKey string

const claimsKey contextKey = "claims"

// claimsFrom returns the verified claims attached by requireAuth.
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// requireAuth verifies the bearer token and attaches its claims to the
// request context. WebSocket clients cannot set headers, so a token
// query parameter is accepted as a fallback.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			sendError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// rateLimited rejects requests above the configured rate with 429.
// Authenticated requests draw from a per-user bucket; anonymous ones
// (login, register) share the anonymous bucket.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var userID int64
		if claims := claimsFrom(r.Context()); claims != nil {
			userID = claims.UserID
		}
		if !s.limiters.allow(userID) {
			sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// limiterSet holds one token bucket per user id; id zero is the shared
// anonymous bucket.
type limiterSet struct {
	mu      sync.Mutex
	buckets map[int64]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	return &limiterSet{
		buckets: make(map[int64]*rate.Limiter),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *limiterSet) allow(userID int64) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[userID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The WebSocket upgrade hijacks the connection; wrapping the
		// writer would break it.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}
