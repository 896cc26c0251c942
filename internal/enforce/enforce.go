// Package enforce pushes approvals to collaborators outside the gate process,
// such as a web server rewrite file or a shared Redis set, so traffic that never
// reaches the gate is filtered too.
//
// Every sink is best effort: the allowlist store is the source of truth and a
// failed sync never revokes or delays an approval.
package enforce

import (
	"context"
	"errors"
	"fmt"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/circuitbreaker"
	"gatekeeper/internal/metrics"
)

// Syncer publishes a newly approved address.
type Syncer interface {
	Sync(ctx context.Context, address string) error
	Name() string
}

// Resyncer rebuilds the sink from the full allowlist, e.g. at startup.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Lister is the read side of the allowlist a sink needs.
type Lister interface {
	List(ctx context.Context) ([]allowlist.ApprovedAddress, error)
}

// Noop is used when no sink is configured.
type Noop struct{}

func (Noop) Sync(context.Context, string) error { return nil }
func (Noop) Name() string                       { return "noop" }

// Multi fans out to every sink and joins their errors.
type Multi []Syncer

func (m Multi) Name() string { return "multi" }

func (m Multi) Sync(ctx context.Context, address string) error {
	var errs []error
	for _, s := range m {
		err := s.Sync(ctx, address)
		observe(s.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Resync(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		r, ok := s.(Resyncer)
		if !ok {
			continue
		}
		if err := r.Resync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func observe(sink string, err error) {
	switch {
	case err == nil:
		metrics.EnforcementSync.WithLabelValues(sink, "ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.EnforcementSync.WithLabelValues(sink, "skipped").Inc()
	default:
		metrics.EnforcementSync.WithLabelValues(sink, "error").Inc()
	}
}
