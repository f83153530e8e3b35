package domain

import (
	"context"
	"time"
)

// StatsEvent representa uma decisão do limiter de envios.
//
// Method/Path são strings genéricas, sem acoplar a net/http.
// Cuidado com cardinalidade ao guardar Identity por chave.
type StatsEvent struct {
	Identity Identity
	Allowed  bool
	// Failed indica que a decisão foi negada por falha de storage, não por política.
	Failed bool

	Method string
	Path   string

	At time.Time
}

// StatsStore persiste estatísticas das decisões.
//
// Quem chama trata erro como best-effort (não derruba a request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
