package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Address-approval access gate",
	Long: `gatekeeper keeps a site away from unknown visitors.

Requests from source addresses that are not on the allowlist are sent to a
maintenance page. Visiting the gate path and entering the shared password
approves the address permanently.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (overrides GATEKEEPER_CONFIG env var)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path: flag > GATEKEEPER_CONFIG > ./gatekeeper.yaml.
// Without any file the configuration comes from the environment alone.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("GATEKEEPER_CONFIG")
	}
	if path == "" {
		for _, candidate := range []string{"./gatekeeper.yaml", "./gatekeeper.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Logging.Level)
	return cfg, path, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		// JSON logging for production
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// seeds returns the loopback bootstrap set plus configured trusted addresses.
func seeds(cfg *config.Config) []allowlist.Seed {
	out := allowlist.DefaultSeeds()
	for _, t := range cfg.TrustedAddresses {
		out = append(out, allowlist.Seed{Address: t.Address, Tag: t.Tag})
	}
	return out
}

// openStore opens the allowlist and makes sure schema and seeds exist.
func openStore(ctx context.Context, cfg *config.Config) (allowlist.Store, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	store, err := allowlist.Open(cfg.Database, seeds(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open allowlist: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize allowlist: %w", err)
	}
	return store, nil
}

func formatOutput(data interface{}) error {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	case "table":
		// Table format is handled by each command
		return nil
	default:
		return errors.New("unknown output format " + outputFormat)
	}
}
