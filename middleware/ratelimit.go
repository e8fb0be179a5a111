package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnehpets/storefront/endpoint"
)

// RateLimitProcessor limits requests per client IP with a token bucket.
// Limiters idle for longer than idleTTL are dropped by Sweep.
type RateLimitProcessor struct {
	limit rate.Limit
	burst int

	// TrustForwardedFor uses the first X-Forwarded-For entry as the client IP.
	TrustForwardedFor bool

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	idleTTL  time.Duration
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitProcessor allows perSecond requests per client with the given burst.
func NewRateLimitProcessor(perSecond float64, burst int) *RateLimitProcessor {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitProcessor{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Process implements endpoint.Processor.
func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if !p.limiterFor(p.clientIP(r)).Allow() {
		w.Header().Set("Retry-After", "1")
		return endpoint.Error(http.StatusTooManyRequests, "Too many requests. Please try again shortly.", nil)
	}
	return next(w, r)
}

func (p *RateLimitProcessor) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	cl, ok := p.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[key] = cl
	}
	cl.lastSeen = p.now()
	return cl.limiter
}

// Sweep drops limiters that have been idle longer than the idle TTL and
// returns how many were removed.
func (p *RateLimitProcessor) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.idleTTL)
	removed := 0
	for k, cl := range p.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(p.limiters, k)
			removed++
		}
	}
	return removed
}

func (p *RateLimitProcessor) clientIP(r *http.Request) string {
	if p.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ endpoint.Processor = (*RateLimitProcessor)(nil)
