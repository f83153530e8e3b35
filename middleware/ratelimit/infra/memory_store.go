package infra

import (
	"context"
	"fmt"

	"form-gateway/middleware/ratelimit/domain"
)

// MemoryStore mantém o snapshot em memória, para implantações de um único processo.
//
// O lock é um channel de capacidade 1, então a espera respeita ctx.
type MemoryStore struct {
	sem  chan struct{}
	snap domain.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sem: make(chan struct{}, 1), snap: domain.Snapshot{}}
}

func (s *MemoryStore) acquire(ctx context.Context) (func(), bool) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// WithExclusiveAccess implementa domain.WindowStore.
// fn recebe e devolve cópias; nada do que fn guarda aponta para o estado interno.
func (s *MemoryStore) WithExclusiveAccess(ctx context.Context, fn func(domain.Snapshot) domain.Snapshot) error {
	release, ok := s.acquire(ctx)
	if !ok {
		return fmt.Errorf("%w: %w: %w", domain.ErrStorageUnavailable, domain.ErrLockTimeout, ctx.Err())
	}
	defer release()

	s.snap = fn(s.snap.Clone()).Clone()
	return nil
}
