// Package gate decides, per request, whether a source address may reach the
// site, must pass the challenge, or is sent to the maintenance page.
package gate

import (
	"context"
	"errors"
	"fmt"
)

// Decision is the outcome of classifying one request.
type Decision int

const (
	Allow Decision = iota
	Challenge
	RedirectMaintenance
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Challenge:
		return "challenge"
	case RedirectMaintenance:
		return "redirect_maintenance"
	default:
		return "unknown"
	}
}

// ErrUnknownSource is returned when a request carries no usable source address.
var ErrUnknownSource = errors.New("unknown source address")

// Lookup is the read side of the allowlist.
type Lookup interface {
	IsApproved(ctx context.Context, address string) (bool, error)
}

// Gate classifies requests against the allowlist and serves them accordingly.
type Gate struct {
	lookup    Lookup
	challenge ChallengeServer
	opts      Options
}

// Classify applies the decision table:
//
//	approved, not gate path -> Allow
//	approved, gate path     -> Challenge (the form is shown again)
//	unknown,  not gate path -> RedirectMaintenance
//	unknown,  gate path     -> Challenge
//
// A lookup failure is returned as an error and never mapped to a decision.
func (g *Gate) Classify(ctx context.Context, address string, isGatePath bool) (Decision, error) {
	d, _, err := classify(ctx, g.lookup, address, isGatePath)
	return d, err
}

func classify(ctx context.Context, lookup Lookup, address string, isGatePath bool) (Decision, bool, error) {
	if address == "" {
		return 0, false, ErrUnknownSource
	}
	approved, err := lookup.IsApproved(ctx, address)
	if err != nil {
		return 0, false, fmt.Errorf("classify %q: %w", address, err)
	}
	switch {
	case isGatePath:
		return Challenge, approved, nil
	case approved:
		return Allow, true, nil
	default:
		return RedirectMaintenance, false, nil
	}
}
