package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter admits ingestion by record count per source over a one minute
// window. It wraps github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, recordsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(recordsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(source string) string {
	return fmt.Sprintf("ratelimit:ingest:%s", source)
}

// Allow consumes records units from source's budget.
func (l *Limiter) Allow(ctx context.Context, source string, records int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(source), records)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, source string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(source))
}
