package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// TickLease claims a tick instant across replicas. The claim is kept until the
// TTL runs out so a slower replica cannot replay the same tick afterwards.
type TickLease struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	owner  string
}

func New(rdb *redis.Client, ttl time.Duration) *TickLease {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TickLease{rdb: rdb, prefix: "power-scheduler:tick:", ttl: ttl, owner: uuid.NewString()}
}

func (l *TickLease) Key(now time.Time) string {
	return l.prefix + now.UTC().Format(time.RFC3339Nano)
}

// Acquire returns ok=false when another holder owns the tick. The returned
// release drops the claim early; callers use it when the tick did not run.
func (l *TickLease) Acquire(ctx context.Context, now time.Time) (func(), bool, error) {
	key := l.Key(now)
	ok, err := l.rdb.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.rdb.Eval(ctx, releaseLua, []string{key}, l.owner).Err()
	}
	return release, true, nil
}

func (l *TickLease) Holder(ctx context.Context, now time.Time) (string, error) {
	v, err := l.rdb.Get(ctx, l.Key(now)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (l *TickLease) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
