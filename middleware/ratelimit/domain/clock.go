package domain

import (
	"sync"
	"time"
)

// SystemClock usa o relógio do sistema.
type SystemClock struct{}

func (SystemClock) Now() Timestamp { return Timestamp(time.Now().Unix()) }

// FixedClock devolve sempre o mesmo instante até Set ser chamado. Útil em testes.
type FixedClock struct {
	mu  sync.Mutex
	now Timestamp
}

func NewFixedClock(now Timestamp) *FixedClock { return &FixedClock{now: now} }

func (c *FixedClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(now Timestamp) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance soma d (truncado em segundos) ao instante atual.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += Timestamp(d / time.Second)
	c.mu.Unlock()
}

// StepClock avança Step segundos a cada chamada de Now; a primeira devolve Start.
type StepClock struct {
	mu   sync.Mutex
	next Timestamp
	step Timestamp
}

func NewStepClock(start Timestamp, step time.Duration) *StepClock {
	return &StepClock{next: start, step: Timestamp(step / time.Second)}
}

func (c *StepClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next += c.step
	return now
}
