package billing

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard gates concurrent work per payment id. It is an optimization only:
// exactly-once application is enforced by Repository.MarkAppliedOnce.
type Guard interface {
	// TryAcquire returns ok=false when key is already in flight. When ok is
	// true the caller must call release exactly once; extra calls are no-ops.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool)
}

// InFlightGuard tracks in-flight keys for a single process. Membership is
// the only shared state; no lock is held while the caller does I/O.
type InFlightGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewInFlightGuard() *InFlightGuard {
	return &InFlightGuard{inFlight: make(map[string]struct{})}
}

func (g *InFlightGuard) TryAcquire(_ context.Context, key string) (func(), bool) {
	g.mu.Lock()
	if g.inFlight == nil {
		g.inFlight = make(map[string]struct{})
	}
	if _, busy := g.inFlight[key]; busy {
		g.mu.Unlock()
		return func() {}, false
	}
	g.inFlight[key] = struct{}{}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, key)
			g.mu.Unlock()
		})
	}, true
}

// held reports whether key is currently held.
func (g *InFlightGuard) held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[key]
	return ok
}

// size returns the number of keys currently held.
func (g *InFlightGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

const redisGuardPrefix = "payment:inflight:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard extends the in-flight check to every instance sharing a Redis.
// Redis errors fail open because the guard carries no correctness weight.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), bool) {
	if g == nil || g.client == nil {
		return func() {}, true
	}
	redisKey := redisGuardPrefix + key
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		log.Warnf("[Billing] redis guard unavailable for %s: %v", key, err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the request context may already be cancelled here
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, g.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				log.Warnf("[Billing] redis guard release failed for %s: %v", key, err)
			}
		})
	}, true
}

// MultiGuard acquires every guard in order and releases them in reverse.
type MultiGuard []Guard

func (m MultiGuard) TryAcquire(ctx context.Context, key string) (func(), bool) {
	releases := make([]func(), 0, len(m))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range m {
		release, ok := g.TryAcquire(ctx, key)
		if !ok {
			releaseAll()
			return func() {}, false
		}
		releases = append(releases, release)
	}
	return releaseAll, true
}
