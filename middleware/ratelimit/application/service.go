package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"form-gateway/middleware/ratelimit/domain"
)

// Limiter concentra a regra do rate limit de envios (janela deslizante por identity).
//
// Ele não sabe nada sobre HTTP nem sobre o mecanismo de persistência; toda
// a leitura/escrita acontece dentro de um único Store.WithExclusiveAccess.
//
// Campos zerados de Policy.Window e Policy.MaxRequests usam os valores de
// referência. SweepProbability é usado como está (0 = nunca varre sozinho).
type Limiter struct {
	Store  domain.WindowStore
	Clock  domain.Clock
	Policy domain.Policy

	// Rand devolve um valor em [0,1). Se nil, usa math/rand.
	Rand   func() float64
	Logger *zap.Logger
}

// CheckAndRecord decide usando o instante do Clock configurado.
func (l Limiter) CheckAndRecord(ctx context.Context, id domain.Identity) (domain.Verdict, error) {
	return l.CheckAndRecordAt(ctx, id, l.now())
}

// CheckAndRecordAt remove da janela os timestamps de id com idade > Window,
// nega se restarem MaxRequests ou mais (sem registrar nada) e, caso contrário,
// registra now. Qualquer falha de storage vira negação + erro.
func (l Limiter) CheckAndRecordAt(ctx context.Context, id domain.Identity, now domain.Timestamp) (domain.Verdict, error) {
	p := l.policy()
	window := p.WindowSeconds()
	sweep := l.shouldSweep(p)

	var verdict domain.Verdict
	removed := 0
	err := l.withStore(ctx, p, func(snap domain.Snapshot) domain.Snapshot {
		live := evict(snap[id], now, window)
		if len(live) >= p.MaxRequests {
			verdict = domain.Verdict{
				Allowed:    false,
				RetryAfter: retryAfter(live, now, window),
			}
		} else {
			live = append(live, now)
			verdict = domain.Verdict{Allowed: true, Remaining: p.MaxRequests - len(live)}
		}
		snap[id] = live

		if sweep {
			removed = sweepSnapshot(snap, now, window)
		}
		return snap
	})
	if err != nil {
		l.logger().Error("rate limit check failed",
			zap.String("identity", string(id)),
			zap.Error(err))
		return domain.Verdict{Allowed: false}, err
	}

	if removed > 0 {
		l.logger().Debug("rate limit sweep", zap.Int("removed", removed))
	}
	return verdict, nil
}

// Sweep força uma varredura completa, removendo identities sem timestamps vivos.
func (l Limiter) Sweep(ctx context.Context) (int, error) {
	p := l.policy()
	now := l.now()

	removed := 0
	err := l.withStore(ctx, p, func(snap domain.Snapshot) domain.Snapshot {
		removed = sweepSnapshot(snap, now, p.WindowSeconds())
		return snap
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Forget remove todos os registros de id. Retorna false se id não existia.
func (l Limiter) Forget(ctx context.Context, id domain.Identity) (bool, error) {
	found := false
	err := l.withStore(ctx, l.policy(), func(snap domain.Snapshot) domain.Snapshot {
		_, found = snap[id]
		delete(snap, id)
		return snap
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// StartJanitor inicia uma goroutine que chama Sweep a cada every.
// Pare cancelando o contexto. Com every <= 0 não faz nada.
func (l Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				removed, err := l.Sweep(ctx)
				if err != nil {
					l.logger().Warn("rate limit janitor sweep failed", zap.Error(err))
					continue
				}
				l.logger().Debug("rate limit janitor sweep", zap.Int("removed", removed))
			}
		}
	}()
}

// Inspect devolve uma cópia do snapshot persistido, sem alterá-lo.
func (l Limiter) Inspect(ctx context.Context) (domain.Snapshot, error) {
	var out domain.Snapshot
	err := l.withStore(ctx, l.policy(), func(snap domain.Snapshot) domain.Snapshot {
		out = snap.Clone()
		return snap
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withStore aplica o LockTimeout (se houver) e garante snapshot não-nil para fn.
func (l Limiter) withStore(ctx context.Context, p domain.Policy, fn func(domain.Snapshot) domain.Snapshot) error {
	if l.Store == nil {
		return fmt.Errorf("%w: no store configured", domain.ErrStorageUnavailable)
	}

	if p.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.LockTimeout)
		defer cancel()
	}

	err := l.Store.WithExclusiveAccess(ctx, func(snap domain.Snapshot) domain.Snapshot {
		if snap == nil {
			snap = domain.Snapshot{}
		}
		return fn(snap)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return err
}

// EffectivePolicy devolve a política com os valores padrão já aplicados.
func (l Limiter) EffectivePolicy() domain.Policy { return l.policy() }

func (l Limiter) policy() domain.Policy {
	p := l.Policy
	if p.Window <= 0 {
		p.Window = domain.DefaultWindow
	}
	if p.MaxRequests <= 0 {
		p.MaxRequests = domain.DefaultMaxRequests
	}
	return p
}

func (l Limiter) now() domain.Timestamp {
	if l.Clock == nil {
		return domain.SystemClock{}.Now()
	}
	return l.Clock.Now()
}

func (l Limiter) shouldSweep(p domain.Policy) bool {
	if p.SweepProbability <= 0 {
		return false
	}
	rnd := l.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return rnd() < p.SweepProbability
}

func (l Limiter) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// evict devolve um slice novo só com os timestamps de idade <= window.
// Timestamps no futuro (relógio voltou) continuam vivos.
func evict(ts []domain.Timestamp, now, window domain.Timestamp) []domain.Timestamp {
	live := make([]domain.Timestamp, 0, len(ts)+1)
	for _, t := range ts {
		if now-t <= window {
			live = append(live, t)
		}
	}
	return live
}

func sweepSnapshot(snap domain.Snapshot, now, window domain.Timestamp) int {
	removed := 0
	for id, ts := range snap {
		live := evict(ts, now, window)
		if len(live) == 0 {
			delete(snap, id)
			removed++
			continue
		}
		snap[id] = live
	}
	return removed
}

// retryAfter calcula quando a entrada viva mais antiga deixa a janela.
func retryAfter(live []domain.Timestamp, now, window domain.Timestamp) time.Duration {
	if len(live) == 0 {
		return time.Second
	}
	oldest := live[0]
	for _, t := range live[1:] {
		if t < oldest {
			oldest = t
		}
	}
	secs := oldest + window + 1 - now
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
