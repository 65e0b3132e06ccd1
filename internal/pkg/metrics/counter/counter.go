package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outcomesKey      = "payments:counters:outcomes"
	dailyOutcomesKey = "payments:counters:outcomes:"
	dailyTTL         = 35 * 24 * time.Hour
)

// Counter tracks payment processing outcomes in Redis hashes. A nil Counter
// or client turns every call into a no-op.
type Counter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func New(rdb redis.UniversalClient) *Counter {
	if c, ok := rdb.(*redis.Client); ok && c == nil {
		rdb = nil
	}
	return &Counter{rdb: rdb, now: time.Now}
}

func (c *Counter) enabled() bool {
	return c != nil && c.rdb != nil
}

func dailyKey(t time.Time) string {
	return dailyOutcomesKey + t.UTC().Format("2006-01-02")
}

// AddOutcome increments the total and today's counter for outcome.
func (c *Counter) AddOutcome(ctx context.Context, outcome string) error {
	if !c.enabled() || outcome == "" {
		return nil
	}
	day := dailyKey(c.now())
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, outcomesKey, outcome, 1)
	pipe.HIncrBy(ctx, day, outcome, 1)
	pipe.Expire(ctx, day, dailyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Totals returns all-time counts per outcome.
func (c *Counter) Totals(ctx context.Context) (map[string]int64, error) {
	return c.read(ctx, outcomesKey)
}

// Day returns the counts recorded on the UTC day containing t.
func (c *Counter) Day(ctx context.Context, t time.Time) (map[string]int64, error) {
	return c.read(ctx, dailyKey(t))
}

func (c *Counter) read(ctx context.Context, key string) (map[string]int64, error) {
	out := map[string]int64{}
	if !c.enabled() {
		return out, nil
	}
	data, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
