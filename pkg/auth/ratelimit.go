package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/strata/pkg/api"
)

// BackpressurePolicy caps the request rate for a single actor.
type BackpressurePolicy struct {
	RPM   int
	Burst int
}

// LimiterStore tracks per-actor token buckets.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, n int) (bool, error)
}

// InMemoryLimiterStore implements LimiterStore with local token buckets.
// Stale buckets are evicted after an idle period so the map stays bounded.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*actorBucket
}

type actorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleTTL = 10 * time.Minute

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*actorBucket)}
}

// Allow reports whether the actor may spend n tokens under the policy.
func (s *InMemoryLimiterStore) Allow(_ context.Context, actorID string, policy BackpressurePolicy, n int) (bool, error) {
	if policy.RPM <= 0 {
		return true, nil
	}

	s.mu.Lock()
	b, ok := s.buckets[actorID]
	if !ok {
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		b = &actorBucket{limiter: rate.NewLimiter(rate.Limit(policy.RPM)/60, burst)}
		s.buckets[actorID] = b
		if len(s.buckets)%256 == 0 {
			s.evictStaleLocked()
		}
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.AllowN(time.Now(), n), nil
}

func (s *InMemoryLimiterStore) evictStaleLocked() {
	cutoff := time.Now().Add(-bucketIdleTTL)
	for id, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, id)
		}
	}
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// It keys on the authenticated principal (tenant/subject) and falls back
// to the remote address for unauthenticated requests. On limit exceeded
// it returns 429 with a Retry-After header.
func RateLimitMiddleware(store LimiterStore, policy BackpressurePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
