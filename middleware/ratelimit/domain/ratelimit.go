package domain

// Camada de domínio do rate limit de envios.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http nem de
// mecanismos de persistência.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity é a chave já normalizada (ex: IP de origem) sob a qual os envios são contados.
type Identity string

// Timestamp é um instante em segundos desde a época Unix.
type Timestamp int64

// Snapshot é o mapeamento persistido identity -> timestamps de admissões recentes.
//
// É lido e gravado sempre por inteiro; não existe atualização parcial.
type Snapshot map[Identity][]Timestamp

// Clone devolve uma cópia profunda (os slices não são compartilhados).
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, ts := range s {
		cp := make([]Timestamp, len(ts))
		copy(cp, ts)
		out[id] = cp
	}
	return out
}

// Clock fornece o instante atual. Deve ser injetável para testes determinísticos.
type Clock interface {
	Now() Timestamp
}

// WindowStore guarda o Snapshot de forma durável e compartilhada.
//
// WithExclusiveAccess adquire o lock exclusivo do recurso, carrega o snapshot
// (vazio se o recurso não existe ou está corrompido), chama fn e persiste o que
// fn devolver, tudo como uma única unidade atômica. O lock fica preso durante
// load+mutate+save; caso contrário dois chamadores concorrentes leem o mesmo
// estado e um dos incrementos se perde.
//
// Implementações otimistas (ex: Redis WATCH) podem chamar fn mais de uma vez;
// só o resultado da última chamada é persistido. fn recebe um snapshot próprio
// e pode alterá-lo no lugar.
//
// Falha ao adquirir o lock ou ao gravar retorna erro envolvendo
// ErrStorageUnavailable. Quando ctx encerra antes do lock, o erro também
// envolve ErrLockTimeout.
type WindowStore interface {
	WithExclusiveAccess(ctx context.Context, fn func(Snapshot) Snapshot) error
}

var (
	// ErrStorageUnavailable indica que o lock ou o recurso de persistência não pôde ser usado.
	ErrStorageUnavailable = errors.New("ratelimit: storage unavailable")
	// ErrLockTimeout indica que a espera pelo lock excedeu o prazo.
	ErrLockTimeout = errors.New("ratelimit: lock wait timed out")
	// ErrInvalidPolicy indica parâmetros de política inválidos.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
)

// Valores de referência da política.
const (
	DefaultWindow           = 120 * time.Second
	DefaultMaxRequests      = 10
	DefaultSweepProbability = 0.05
)

// Policy agrupa as constantes de política do limiter.
type Policy struct {
	// Window é a janela deslizante. Um timestamp com idade exatamente igual a
	// Window ainda conta; só é removido quando a idade passa de Window.
	Window time.Duration
	// MaxRequests é o número de admissões permitidas na janela. Com
	// MaxRequests admissões vivas o próximo pedido é negado.
	MaxRequests int
	// SweepProbability é a chance, por chamada, de varrer o snapshot inteiro.
	SweepProbability float64
	// LockTimeout limita a espera pelo lock. Se 0, espera indefinidamente.
	LockTimeout time.Duration
}

// DefaultPolicy devolve a política de referência (120s, 10 envios, 5%).
func DefaultPolicy() Policy {
	return Policy{
		Window:           DefaultWindow,
		MaxRequests:      DefaultMaxRequests,
		SweepProbability: DefaultSweepProbability,
	}
}

// WindowSeconds devolve a janela em segundos inteiros (mínimo 1).
func (p Policy) WindowSeconds() Timestamp {
	secs := Timestamp(p.Window / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (p Policy) Validate() error {
	switch {
	case p.Window < time.Second:
		return fmt.Errorf("%w: window must be >= 1s, got %s", ErrInvalidPolicy, p.Window)
	case p.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests must be > 0, got %d", ErrInvalidPolicy, p.MaxRequests)
	case p.SweepProbability < 0 || p.SweepProbability > 1:
		return fmt.Errorf("%w: sweep probability must be in [0,1], got %v", ErrInvalidPolicy, p.SweepProbability)
	case p.LockTimeout < 0:
		return fmt.Errorf("%w: lock timeout must be >= 0, got %s", ErrInvalidPolicy, p.LockTimeout)
	}
	return nil
}

// Verdict é o resultado de uma checagem.
//
// Negar não é erro: é um veredito normal e esperado.
type Verdict struct {
	Allowed bool
	// Remaining é quantas admissões ainda cabem na janela depois desta decisão.
	Remaining int
	// RetryAfter é o tempo até a entrada viva mais antiga sair da janela.
	// Só é preenchido quando Allowed=false.
	RetryAfter time.Duration
}
