// Package challenge asks an unknown visitor for the shared password and, once
// it is given, approves the visitor's source address.
//
// Machine holds the transition logic and knows nothing about HTTP; Handler maps
// its outcomes onto form renders and redirects.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/enforce"
	"gatekeeper/internal/httputil"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/session"
)

// State of a visitor's challenge.
type State int

const (
	AwaitingCredential State = iota
	Rejected
	Approved
)

func (s State) String() string {
	switch s {
	case AwaitingCredential:
		return "awaiting"
	case Rejected:
		return "rejected"
	case Approved:
		return "approved"
	default:
		return "unknown"
	}
}

// Action tells the transport what to do next.
type Action int

const (
	RenderForm Action = iota
	RedirectSelf
	RedirectRoot
)

func (a Action) String() string {
	switch a {
	case RenderForm:
		return "render_form"
	case RedirectSelf:
		return "redirect_self"
	case RedirectRoot:
		return "redirect_root"
	default:
		return "unknown"
	}
}

// Outcome of one Step.
type Outcome struct {
	State   State
	Action  Action
	Message session.Message // set for Rejected
	// NewlyApproved is false when the address was already on the allowlist.
	NewlyApproved bool
}

// WrongPassword is the notice shown after a rejected attempt.
const WrongPassword = "Wrong password"

// Approver is the write side of the allowlist.
type Approver interface {
	Approve(ctx context.Context, address string) error
}

// DefaultSyncTimeout bounds a best-effort enforcement sync.
const DefaultSyncTimeout = 3 * time.Second

// Machine drives AwaitingCredential -> Rejected -> Approved.
type Machine struct {
	store       Approver
	verifier    Verifier
	syncer      enforce.Syncer
	syncTimeout time.Duration
}

// NewMachine wires the store and verifier. A nil syncer disables enforcement sync.
func NewMachine(store Approver, verifier Verifier, syncer enforce.Syncer) *Machine {
	if syncer == nil {
		syncer = enforce.Noop{}
	}
	return &Machine{
		store:       store,
		verifier:    verifier,
		syncer:      syncer,
		syncTimeout: DefaultSyncTimeout,
	}
}

// Step advances the challenge for address. An empty credential counts as not
// submitted. A rejected credential never touches the store. The only error
// returned is a failed approval, which the caller must treat as fatal for the
// request.
func (m *Machine) Step(ctx context.Context, address, credential string, submitted bool) (Outcome, error) {
	if !submitted || credential == "" {
		metrics.ChallengeOutcome.WithLabelValues(AwaitingCredential.String()).Inc()
		return Outcome{State: AwaitingCredential, Action: RenderForm}, nil
	}

	logger := httputil.GetLogger(ctx)
	if err := m.verifier.Verify(credential); err != nil {
		metrics.ChallengeOutcome.WithLabelValues(Rejected.String()).Inc()
		logger.Info().Str("address", address).Msg("wrong password, access denied")
		return Outcome{
			State:   Rejected,
			Action:  RedirectSelf,
			Message: session.Message{Text: WrongPassword, Severity: session.SeverityError},
		}, nil
	}

	newly := true
	switch err := m.store.Approve(ctx, address); {
	case err == nil:
		metrics.Approvals.WithLabelValues("new").Inc()
		logger.Info().Str("address", address).Msg("added allowed address")
	case errors.Is(err, allowlist.ErrDuplicateAddress):
		newly = false
		metrics.Approvals.WithLabelValues("duplicate").Inc()
		logger.Debug().Str("address", address).Msg("address already approved")
	default:
		metrics.ChallengeOutcome.WithLabelValues("failed").Inc()
		metrics.StoreErrors.WithLabelValues("approve").Inc()
		return Outcome{}, fmt.Errorf("approve %q: %w", address, err)
	}

	m.sync(ctx, address)

	metrics.ChallengeOutcome.WithLabelValues(Approved.String()).Inc()
	return Outcome{State: Approved, Action: RedirectRoot, NewlyApproved: newly}, nil
}

// sync runs even if the request is cancelled; its failure is only logged.
func (m *Machine) sync(ctx context.Context, address string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.syncTimeout)
	defer cancel()
	if err := m.syncer.Sync(ctx, address); err != nil {
		httputil.GetLogger(ctx).Warn().Err(err).Str("address", address).Str("sink", m.syncer.Name()).Msg("enforcement sync failed")
	}
}
