package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"form-gateway/middleware/ratelimit/domain"
)

// RedisStatsStore grava contadores de decisão em hashes Redis:
//
//	<prefix>:total            allowed/denied/failed (cumulativo, sem TTL)
//	<prefix>:hour:<YYYYMMDDHH> por hora (com TTL)
//	<prefix>:route            "<METHOD> <path>:<campo>"
//	<prefix>:identity:<id>    por identity, se habilitado (com TTL)
type RedisStatsStore struct {
	rdb *redis.Client

	prefix          string
	ttl             time.Duration
	hourly          bool
	trackIdentities bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsHourly liga/desliga a série por hora (padrão ligada).
func WithStatsHourly(on bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.hourly = on }
}

func WithStatsTrackIdentities(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackIdentities = track }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    7 * 24 * time.Hour,
		hourly: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func statsFields(ev domain.StatsEvent) []string {
	if ev.Allowed {
		return []string{"allowed"}
	}
	if ev.Failed {
		return []string{"denied", "failed"}
	}
	return []string{"denied"}
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := statsFields(ev)

	pipe := s.rdb.Pipeline()
	incr := func(key string, expire bool, prefix string) {
		for _, f := range fields {
			pipe.HIncrBy(ctx, key, prefix+f, 1)
		}
		if expire && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}

	incr(s.prefix+":total", false, "")
	if s.hourly {
		incr(s.prefix+":hour:"+at.UTC().Format("2006010215"), true, "")
	}
	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		incr(s.prefix+":route", false, route+":")
	}
	if id := strings.TrimSpace(string(ev.Identity)); s.trackIdentities && id != "" {
		incr(s.prefix+":identity:"+id, true, "")
	}

	_, err := pipe.Exec(ctx)
	return err
}
