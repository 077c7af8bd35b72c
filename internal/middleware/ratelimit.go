package middleware

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pliu/wala/internal/models"
)

// DefaultMaxClients bounds how many client IPs are tracked at once. The least
// recently seen IP is forgotten first.
const DefaultMaxClients = 10000

// RateLimiter allows each client IP a fixed number of requests per window,
// refilled continuously.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	log    zerolog.Logger

	mu       sync.Mutex
	limiters *lru.Cache
}

func NewRateLimiter(requests int, window time.Duration, maxClients int, log zerolog.Logger) (*RateLimiter, error) {
	if requests <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", requests, window)
	}
	cache, err := lru.New(maxClients)
	if err != nil {
		return nil, fmt.Errorf("could not create limiter cache: %w", err)
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
		window:   window,
		log:      log.With().Str("component", "rate-limiter").Logger(),
		limiters: cache,
	}, nil
}

// Allow reports whether a request from ip may proceed now.
func (l *RateLimiter) Allow(ip string) bool {
	return l.limiter(ip).Allow()
}

func (l *RateLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.limiters.Get(ip); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(ip, lim)
	return lim
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			l.log.Debug().Str("client_ip", ip).Str("uri", r.RequestURI).Msg("request rate limited")
			retryAfter := int(math.Ceil(1 / float64(l.limit)))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json; charset=UTF-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(models.NewErrorReply("", models.ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}
