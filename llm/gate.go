package llm

import (
	"context"
	"sync"
	"time"
)

// Gate enforces a minimum interval between the end of one LLM call and the
// start of the next. At most one call holds the gate at a time, so the
// interval applies across every provider sharing the gate.
type Gate struct {
	interval time.Duration
	token    chan struct{}

	mu    sync.Mutex
	ready time.Time // earliest start of the next call

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock replaces the wall clock and the sleep function, letting tests
// observe requested waits without blocking.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) GateOption {
	return func(g *Gate) {
		g.now = now
		g.sleep = sleep
	}
}

// NewGate returns a gate with the given cooldown.
func NewGate(interval time.Duration, opts ...GateOption) *Gate {
	g := &Gate{
		interval: interval,
		token:    make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Interval returns the configured cooldown.
func (g *Gate) Interval() time.Duration { return g.interval }

// Acquire blocks until no other call holds the gate and the cooldown since
// the last Release has elapsed. Every successful Acquire must be paired
// with Release.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	wait := g.ready.Sub(g.now())
	g.mu.Unlock()

	if wait > 0 {
		if err := g.sleep(ctx, wait); err != nil {
			<-g.token
			return err
		}
	}
	return nil
}

// Release stamps the response time and lets the next caller proceed once
// the cooldown has passed.
func (g *Gate) Release() {
	g.mu.Lock()
	g.ready = g.now().Add(g.interval)
	g.mu.Unlock()
	<-g.token
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type gatedProvider struct {
	next Provider
	gate *Gate
}

// WithGate wraps p so every Chat call passes through g. A nil gate returns
// p unchanged.
func WithGate(p Provider, g *Gate) Provider {
	if g == nil {
		return p
	}
	return &gatedProvider{next: p, gate: g}
}

func (p *gatedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.gate.Release()
	return p.next.Chat(ctx, req)
}
