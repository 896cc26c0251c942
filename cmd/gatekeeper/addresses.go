package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gatekeeper/internal/allowlist"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var approveTag string

func init() {
	approveCmd.Flags().StringVar(&approveTag, "tag", "cli", "Label stored with the address")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(listCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the allowlist table and insert the bootstrap addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Allowlist ready at %s\n", cfg.Database)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <address>",
	Short: "Add an address to the allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		address := args[0]
		err = store.ApproveTagged(cmd.Context(), address, approveTag)
		switch {
		case errors.Is(err, allowlist.ErrDuplicateAddress):
			fmt.Printf("%s is already approved\n", address)
		case err != nil:
			return err
		default:
			fmt.Printf("Approved %s\n", address)
		}

		syncer, closeSinks, err := buildSyncer(cfg, store)
		if err != nil {
			return err
		}
		defer closeSinks()
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := syncer.Sync(ctx, address); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("enforcement sync failed")
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <address>",
	Short: "Report whether an address is approved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ok, err := store.IsApproved(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not approved", args[0])
		}
		fmt.Printf("%s is approved\n", args[0])
		return nil
	},
}

// addressRow is the serialized form of an allowlist row for json/yaml output.
type addressRow struct {
	Address   string    `json:"address" yaml:"address"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Tag       string    `json:"tag,omitempty" yaml:"tag,omitempty"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List approved addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.List(cmd.Context())
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			out := make([]addressRow, 0, len(rows))
			for _, r := range rows {
				out = append(out, addressRow{Address: r.Address, CreatedAt: r.CreatedAt, Tag: r.Tag})
			}
			return formatOutput(out)
		}

		if len(rows) == 0 {
			fmt.Println("No approved addresses")
			return nil
		}
		return printAddressTable(rows)
	},
}

func printAddressTable(rows []allowlist.ApprovedAddress) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tCREATED\tTAG")
	for _, r := range rows {
		tag := r.Tag
		if tag == "" {
			tag = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Address, r.CreatedAt.Format(time.RFC3339), tag)
	}
	return w.Flush()
}
