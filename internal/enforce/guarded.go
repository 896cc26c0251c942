package enforce

import (
	"context"

	"gatekeeper/internal/circuitbreaker"

	"github.com/rs/zerolog/log"
)

// Guarded wraps a remote sink with a circuit breaker. While the breaker is open
// Sync returns an error matching circuitbreaker.ErrOpen without calling the sink.
type Guarded struct {
	next    Syncer
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuarded(next Syncer, cfg circuitbreaker.Config) *Guarded {
	return &Guarded{next: next, breaker: circuitbreaker.New(next.Name(), cfg)}
}

func (g *Guarded) Name() string { return g.next.Name() }

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker { return g.breaker }

func (g *Guarded) Sync(ctx context.Context, address string) error {
	release, err := g.breaker.Allow()
	if err != nil {
		log.Warn().Str("sink", g.Name()).Str("address", address).Err(err).Msg("enforcement sink skipped")
		return err
	}
	if release {
		defer g.breaker.Release()
	}

	if err := g.next.Sync(ctx, address); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

// Resync bypasses the breaker; it runs once at startup.
func (g *Guarded) Resync(ctx context.Context) error {
	if r, ok := g.next.(Resyncer); ok {
		return r.Resync(ctx)
	}
	return nil
}
