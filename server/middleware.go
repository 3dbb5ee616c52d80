package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/log"
)

// Logger logs one line per request at debug level, errors at warn.
func Logger(logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(rw, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			entry := logger.WithFields(logrus.Fields{
				"remote":   clientIP(req),
				"method":   req.Method,
				"path":     log.EscapeInput(req.URL.Path),
				"status":   ww.Status(),
				"duration": time.Since(start),
			})

			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request failed")
			} else {
				entry.Debug("request completed")
			}
		})
	}
}

// Recovery turns a panic in a handler into a 500.
func Recovery(logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						panic(r)
					}

					logger.WithField("path", log.EscapeInput(req.URL.Path)).Errorf("panic recovered: %v", r)
					http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(rw, req)
		})
	}
}

// RateLimiter counts requests per client IP in fixed windows.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[string]*rateLimitEntry
	limit  int
	window time.Duration
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit requests per window from a single IP. Stale
// entries are purged until ctx is done.
func NewRateLimiter(ctx context.Context, limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		counts: make(map[string]*rateLimitEntry),
		limit:  limit,
		window: window,
	}

	go rl.cleanup(ctx)

	return rl
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()

			for ip, entry := range rl.counts {
				if now.Sub(entry.windowStart) > rl.window {
					delete(rl.counts, ip)
				}
			}

			rl.mu.Unlock()
		}
	}
}

// Allow checks if the IP is allowed and increments the counter.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}

		return true
	}

	if entry.count >= rl.limit {
		return false
	}

	entry.count++

	return true
}

// RateLimit answers 429 once a client IP exceeds the limiter.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if !limiter.Allow(clientIP(req)) {
				rw.Header().Set("Retry-After", retryAfter(limiter.window))
				http.Error(rw, "too many requests, please try again later", http.StatusTooManyRequests)

				return
			}

			next.ServeHTTP(rw, req)
		})
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}

	return strconv.Itoa(secs)
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return host
}
