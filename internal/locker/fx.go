package locker

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Ledger    *config.LedgerConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

var Module = fx.Module("locker",
	fx.Provide(New),
)

// New picks the lock backend named by LOCK_BACKEND.
func New(p Params) (Locker, error) {
	var observer waitObserver
	if p.Metrics != nil {
		observer = p.Metrics
	}

	if p.Config.Lock.Backend != config.LockBackendRedis {
		p.Log.Info("using in-process student locks")
		return NewLocal(p.Ledger, observer), nil
	}

	if p.Config.Lock.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required when LOCK_BACKEND=redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     p.Config.Lock.RedisAddr,
		Password: p.Config.Lock.RedisPassword,
		DB:       p.Config.Lock.RedisDB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	p.Log.Info("using redis student locks", zap.String("addr", p.Config.Lock.RedisAddr))
	return NewRedis(client, p.Ledger, observer, p.Log)
}
