package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/circuitbreaker"
	"gatekeeper/internal/config"
	"gatekeeper/internal/enforce"
	"gatekeeper/internal/gate"
	"gatekeeper/internal/httputil"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate in front of the site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logSummary(cfg, path)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func logSummary(cfg *config.Config, path string) {
	log.Info().
		Str("config_path", path).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Bool("trust_forwarded", cfg.TrustForwarded()).
		Int("trusted_proxies", len(cfg.Server.TrustedProxyCIDRs)).
		Msg("server configuration")
	log.Info().
		Str("self", cfg.Self).
		Str("root", cfg.Root).
		Str("maintenance", cfg.Maintenance).
		Bool("postgres", allowlist.IsPostgresDSN(cfg.Database)).
		Int("trusted_addresses", len(cfg.TrustedAddresses)).
		Msg("gate configuration")
	log.Info().
		Str("docroot", cfg.Site.Docroot).
		Str("upstream", cfg.Site.Upstream).
		Str("enforcement_target", cfg.EnforcementTarget).
		Bool("redis_enforcement", cfg.Enforcement.RedisURL != "").
		Bool("metrics", cfg.MetricsEnabled()).
		Msg("site configuration")
}

func serve(ctx context.Context, cfg *config.Config) error {
	metrics.MustRegister(Version)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	syncer, closeSinks, err := buildSyncer(cfg, store)
	if err != nil {
		return err
	}
	defer closeSinks()
	if r, ok := syncer.(enforce.Resyncer); ok {
		if err := r.Resync(ctx); err != nil {
			log.Warn().Err(err).Msg("initial enforcement sync failed")
		}
	}

	verifier, err := challenge.NewSharedSecret(cfg.Password)
	if err != nil {
		return err
	}
	secret, err := cfg.SessionSecret()
	if err != nil {
		return err
	}
	if secret == nil {
		log.Warn().Msg("session.secret not set; generating ephemeral secret for flash messages (will not survive restart)")
		secret = session.RandomSecret()
	}
	flash, err := session.NewFlash(secret, session.Options{
		CookieName: cfg.Session.CookieName,
		Secure:     cfg.Session.Secure,
	})
	if err != nil {
		return err
	}
	challengeHandler := challenge.NewHandler(
		challenge.NewMachine(store, verifier, syncer),
		flash, cfg.Self, cfg.Root,
	)

	site, err := gate.NewSite(gate.SiteOptions{
		Docroot:     cfg.Site.Docroot,
		Upstream:    cfg.Site.Upstream,
		Maintenance: cfg.Maintenance,
		Timeout:     cfg.WriteTimeout(),
	})
	if err != nil {
		return err
	}

	policy, err := cfg.ClientAddressPolicy()
	if err != nil {
		return err
	}
	if policy.TrustForwarded && len(policy.TrustedProxies) == 0 {
		log.Warn().Msg("X-Forwarded-For is trusted from any peer; visitors can spoof their address unless a proxy overwrites the header")
	}
	g := gate.New(store, challengeHandler, gate.Options{
		Self:        cfg.Self,
		Maintenance: cfg.Maintenance,
		Exempt:      cfg.StaticExempt,
		Policy:      policy,
	})

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(store, syncer))
	if cfg.MetricsEnabled() {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Handle("/", g.Middleware(site))

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           Chain(httputil.RequestIDMiddleware(log.Logger), withCommonHeaders)(mux),
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("gatekeeper listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if err := site.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("site shutdown error")
		}
		log.Info().Msg("shutdown complete")
		return nil
	})
	return eg.Wait()
}

// buildSyncer assembles the configured enforcement sinks. Remote sinks sit
// behind a circuit breaker; the returned func closes their connections.
func buildSyncer(cfg *config.Config, store enforce.Lister) (enforce.Syncer, func(), error) {
	var (
		sinks   enforce.Multi
		closers []func() error
	)
	if cfg.EnforcementTarget != "" {
		h, err := enforce.NewHtaccessSyncer(enforce.HtaccessOptions{
			Path:        cfg.EnforcementTarget,
			Self:        cfg.Self,
			Maintenance: cfg.Maintenance,
			Exempt:      cfg.StaticExempt,
		}, store)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.Enforcement.RedisURL != "" {
		r, err := enforce.NewRedisSyncer(cfg.Enforcement.RedisURL, cfg.Enforcement.RedisKey, store)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, enforce.NewGuarded(r, circuitbreaker.DefaultConfig()))
		closers = append(closers, r.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("closing enforcement sink")
			}
		}
	}
	if len(sinks) == 0 {
		return enforce.Noop{}, closeAll, nil
	}
	return sinks, closeAll, nil
}
