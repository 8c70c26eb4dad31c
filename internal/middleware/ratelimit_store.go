package middleware

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/charlesng35/sessionkeeper/internal/cache"
)

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// RateStore decides whether one more request for key fits limit requests per window.
type RateStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// memoryRateStore keeps one token bucket per key in process memory. The bucket
// refills at limit tokens per window and holds at most limit tokens.
type memoryRateStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	clock     func() time.Time
	lastPrune time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ RateStore = (*memoryRateStore)(nil)

// NewMemoryRateStore constructs an in-memory rate store suitable for single
// instance deployments and tests. A nil clock uses time.Now.
func NewMemoryRateStore(clock func() time.Time) RateStore {
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateStore{buckets: make(map[string]*bucket), clock: clock}
}

func (s *memoryRateStore) Allow(_ context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	if limit <= 0 {
		return RateDecision{Allowed: true}, nil
	}
	if window <= 0 {
		window = time.Minute
	}
	now := s.clock()
	every := rate.Every(window / time.Duration(limit))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now, window)

	b, ok := s.buckets[key]
	if !ok || b.limiter.Burst() != limit || b.limiter.Limit() != every {
		b = &bucket{limiter: rate.NewLimiter(every, limit)}
		s.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	decision := RateDecision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, math.Floor(tokens))),
	}
	if tokens < 1 {
		decision.ResetIn = time.Duration((1 - tokens) * float64(window) / float64(limit))
	}
	return decision, nil
}

// pruneLocked drops buckets idle for longer than one window, at most once per window.
func (s *memoryRateStore) pruneLocked(now time.Time, window time.Duration) {
	if now.Sub(s.lastPrune) < window {
		return
	}
	s.lastPrune = now
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > window {
			delete(s.buckets, key)
		}
	}
}

// counterRateStore implements a fixed window limiter on a shared cache.Store.
type counterRateStore struct {
	store cache.Store
}

// NewRedisRateStore wraps a Redis-backed cache store in a RateStore implementation.
func NewRedisRateStore(store *cache.RedisStore) RateStore {
	if store == nil {
		return nil
	}
	return &counterRateStore{store: store}
}

// NewDatabaseRateStore builds a RateStore based on the SQL database cache.
func NewDatabaseRateStore(store *cache.DatabaseStore) RateStore {
	if store == nil {
		return nil
	}
	return &counterRateStore{store: store}
}

func (s *counterRateStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, "ratelimit:"+key, window)
	if err != nil {
		return RateDecision{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}
