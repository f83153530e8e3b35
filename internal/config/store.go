package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"form-gateway/middleware/ratelimit/domain"
	"form-gateway/middleware/ratelimit/infra"
)

// Closer libera recursos abertos por OpenStore/OpenStats.
type Closer func() error

func noopCloser() error { return nil }

// OpenStore cria o WindowStore escolhido em cfg.Kind.
func OpenStore(cfg StoreConfig, logger *zap.Logger) (domain.WindowStore, Closer, error) {
	switch cfg.Kind {
	case StoreFile:
		return infra.NewFileStore(cfg.Path, infra.WithFileLogger(logger)), noopCloser, nil

	case StoreSQLite:
		s, err := infra.OpenSQLiteStore(cfg.Path, cfg.BusyTimeout, infra.WithSQLLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case StoreRedis:
		rdb, err := dialRedis(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
		}
		s := infra.NewRedisStore(rdb,
			infra.WithRedisKey(cfg.RedisKey),
			infra.WithRedisTTL(cfg.RedisTTL),
			infra.WithRedisLogger(logger),
		)
		return s, rdb.Close, nil

	case StoreMemory:
		return infra.NewMemoryStore(), noopCloser, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

// OpenStats cria o RedisStatsStore quando habilitado; caso contrário devolve nil.
func OpenStats(cfg StatsConfig) (domain.StatsStore, Closer, error) {
	if !cfg.Enabled {
		return nil, noopCloser, nil
	}
	rdb, err := dialRedis(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis stats: %w", err)
	}
	s := infra.NewRedisStatsStore(rdb,
		infra.WithStatsPrefix(cfg.Prefix),
		infra.WithStatsTTL(cfg.TTL),
		infra.WithStatsTrackIdentities(cfg.TrackIdentities),
	)
	return s, rdb.Close, nil
}

func dialRedis(cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
