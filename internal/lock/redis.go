package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLockNotAcquired is returned when the key stays held past the wait timeout
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a Locker shared by every monitor process pointed at the same
// Redis, for deployments that shard stores across processes.
type Redis struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	wait      time.Duration
	log       logrus.FieldLogger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{
		rdb:       rdb,
		keyPrefix: "storehealth:lock:",
		ttl:       ttl,
		wait:      ttl,
		log:       log,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.keyPrefix + key
	value := uuid.New().String()
	deadline := time.Now().Add(r.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := r.rdb.SetNX(ctx, lockKey, value, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}

	return func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(releaseCtx, r.rdb, []string{lockKey}, value).Int64()
		if err != nil {
			r.log.WithError(err).WithField("key", key).Warn("failed to release lock")
			return
		}
		if n == 0 {
			r.log.WithField("key", key).Warn(ErrLockNotHeld.Error())
		}
	}, nil
}
