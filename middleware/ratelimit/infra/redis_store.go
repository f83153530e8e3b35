package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"form-gateway/middleware/ratelimit/domain"
)

// RedisStore guarda o snapshot inteiro (JSON) em uma única chave Redis.
//
// A atomicidade vem de WATCH/MULTI/EXEC: se outro escritor altera a chave entre
// a leitura e o EXEC, a transação falha e o ciclo load-mutate-save inteiro é
// refeito. Por isso fn pode ser chamada mais de uma vez.
type RedisStore struct {
	rdb        *redis.Client
	key        string
	ttl        time.Duration
	maxRetries int
	logger     *zap.Logger
}

type RedisStoreOption func(*RedisStore)

func WithRedisKey(key string) RedisStoreOption {
	return func(s *RedisStore) { s.key = strings.TrimSpace(key) }
}

// WithRedisTTL expira a chave após d sem escrita. Com d >= janela, nada vivo se perde.
func WithRedisTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithRedisMaxRetries limita as tentativas quando há conflito de escrita (padrão 50).
func WithRedisMaxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

func WithRedisLogger(l *zap.Logger) RedisStoreOption {
	return func(s *RedisStore) { s.logger = l }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		key:        "ratelimit:windows",
		maxRetries: 50,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 1
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// WithExclusiveAccess implementa domain.WindowStore.
func (s *RedisStore) WithExclusiveAccess(ctx context.Context, fn func(domain.Snapshot) domain.Snapshot) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		snap, corrupt := decodeSnapshot(data)
		if corrupt {
			s.logger.Warn("rate limit state is corrupt, starting from empty snapshot",
				zap.String("key", s.key))
		}

		out, err := encodeSnapshot(fn(snap))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, out, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w: %w", domain.ErrStorageUnavailable, domain.ErrLockTimeout, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: gave up after %d conflicting writes on %q", domain.ErrStorageUnavailable, s.maxRetries, s.key)
}
