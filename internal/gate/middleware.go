package gate

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"gatekeeper/internal/httputil"
	"gatekeeper/internal/metrics"
)

// ChallengeServer renders the challenge for a classified request.
type ChallengeServer interface {
	ServeChallenge(w http.ResponseWriter, r *http.Request, address string, approved bool)
}

// Options configure the HTTP side of the gate.
type Options struct {
	Self        string   // gate path
	Maintenance string   // page unknown visitors are sent to
	Exempt      []string // path prefixes served without classification
	Policy      httputil.ClientAddressPolicy
}

// New builds a gate over lookup. challenge serves the gate path.
func New(lookup Lookup, challenge ChallengeServer, opts Options) *Gate {
	if opts.Self == "" {
		opts.Self = "/protect"
	}
	if opts.Maintenance == "" {
		opts.Maintenance = "/maintenance.html"
	}
	return &Gate{lookup: lookup, challenge: challenge, opts: opts}
}

// Middleware puts the gate in front of site. The maintenance page and exempt
// prefixes bypass classification so unknown visitors can still load them.
func (g *Gate) Middleware(site http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.exempt(r.URL.Path) {
			site.ServeHTTP(w, r)
			return
		}

		logger := httputil.GetLogger(r.Context())
		address := g.opts.Policy.Resolve(r)
		isGatePath := r.URL.Path == g.opts.Self

		start := time.Now()
		decision, approved, err := classify(r.Context(), g.lookup, address, isGatePath)
		metrics.GateDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.GateDecision.WithLabelValues("error").Inc()
			if errors.Is(err, ErrUnknownSource) {
				logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("request without usable source address")
				httputil.WriteFailure(w, http.StatusForbidden, "Access denied.")
				return
			}
			metrics.StoreErrors.WithLabelValues("lookup").Inc()
			logger.Error().Err(err).Str("address", address).Msg("allowlist lookup failed")
			httputil.WriteFailure(w, http.StatusInternalServerError,
				"Access could not be verified. Please try again later.")
			return
		}
		metrics.GateDecision.WithLabelValues(decision.String()).Inc()

		ctx := httputil.WithClientAddress(r.Context(), address)
		r = r.WithContext(ctx)

		switch decision {
		case Allow:
			site.ServeHTTP(w, r)
		case Challenge:
			g.challenge.ServeChallenge(w, r, address, approved)
		default:
			logger.Debug().Str("address", address).Msg("unknown visitor sent to maintenance page")
			httputil.Redirect(w, r, g.opts.Maintenance)
		}
	})
}

func (g *Gate) exempt(path string) bool {
	if path == g.opts.Maintenance {
		return true
	}
	for _, prefix := range g.opts.Exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
