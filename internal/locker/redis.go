package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/feeledger/internal/config"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	redisKeyPrefix  = "feeledger:lock:"
	minRetryBackoff = 20 * time.Millisecond
	maxRetryBackoff = 250 * time.Millisecond
)

// Redis holds student locks in redis so several API replicas and the scheduler
// serialize on the same key. Holds expire after the configured TTL.
type Redis struct {
	client  *redis.Client
	script  *redis.Script
	cfg     *config.LedgerConfigHolder
	metrics waitObserver
	log     *zap.Logger
}

func NewRedis(client *redis.Client, cfg *config.LedgerConfigHolder, metrics waitObserver, log *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock client not configured")
	}
	return &Redis{
		client:  client,
		script:  redis.NewScript(lockReleaseScript),
		cfg:     cfg,
		metrics: metrics,
		log:     log.Named("locker.redis"),
	}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if Held(ctx, key) {
		return ctx, noop, nil
	}
	if key == "" {
		return ctx, nil, errors.New("lock key is empty")
	}

	settings := r.cfg.Get()
	token := uuid.NewString()
	redisKey := redisKeyPrefix + key
	start := time.Now()
	deadline := start.Add(settings.LockWait)
	backoff := minRetryBackoff

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, settings.LockTTL).Result()
		if err != nil {
			return ctx, nil, timeoutErr(key, err)
		}
		if ok {
			break
		}
		if !time.Now().Add(backoff).Before(deadline) {
			return ctx, nil, timeoutErr(key, nil)
		}
		select {
		case <-ctx.Done():
			return ctx, nil, timeoutErr(key, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveLockWait(ctx, BackendRedis, time.Since(start))
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.StoreTimeout)
			defer cancel()
			if err := r.script.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.log.Warn("lock release failed, waiting for ttl", zap.String("key", key), zap.Error(err))
			}
		})
	}
	return markHeld(ctx, key), unlock, nil
}

var _ Locker = (*Redis)(nil)
