package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"aegisflux/guardian/internal/baseline"
	"aegisflux/guardian/internal/config"
	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/logging"
	"aegisflux/guardian/internal/snapshot"
	"aegisflux/guardian/internal/violation"
)

func digestCommand() *cobra.Command {
	var tier string
	c := &cobra.Command{
		Use:   "digest <file>...",
		Short: "Prints baseline entries for the given files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			entries := make([]baseline.Baseline, 0, len(args))
			for _, path := range args {
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("failed to resolve %s: %w", path, err)
				}
				digest, err := baseline.Digest(abs)
				if err != nil {
					return err
				}
				entries = append(entries, baseline.Baseline{
					Component:      filepath.Base(abs),
					Locator:        abs,
					ExpectedDigest: digest,
					Tier:           violation.Tier(tier),
				})
			}

			enc := yaml.NewEncoder(c.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{"baselines": entries})
		},
	}
	c.Flags().StringVar(&tier, "tier", string(violation.TierIntegrity), "tier recorded for every entry")
	return c
}

func keygenCommand() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generates a participant signing key pair",
		RunE: func(c *cobra.Command, args []string) error {
			kp := consensus.GenerateKeyPair()
			pub, err := consensus.EncodePublic(kp.Public)
			if err != nil {
				return err
			}
			priv, err := consensus.EncodePrivate(kp.Private)
			if err != nil {
				return err
			}

			out := c.OutOrStdout()
			fmt.Fprintf(out, "# participant entry for the guardian configuration\n")
			enc := yaml.NewEncoder(out)
			if err := enc.Encode(map[string]any{
				"participants": []config.Participant{{ID: id, PublicKey: pub}},
			}); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "# keep the private key on the participant host only\n# private_key: %s\n", priv)
			return nil
		},
	}
	c.Flags().StringVar(&id, "id", "", "participant id")
	c.MarkFlagRequired("id")
	return c
}

func snapshotCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "snapshot",
		Short: "Manages rollback snapshots",
	}
	c.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Archives the protected root as a new rollback snapshot",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.HostID)

			store := snapshot.NewStore(cfg.SnapshotDir, cfg.ProtectedRoot, logger.Logger)
			h, err := store.Create(c.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s\t%d files\n", h.Path, h.Files)
			return nil
		},
	})
	return c
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Checks every baseline once without responding to mismatches",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.HostID)

			store, err := baseline.NewStore(cfg.Baselines,
				baseline.WithConcurrency(cfg.DigestConcurrency),
				baseline.WithLogger(logger.Logger))
			if err != nil {
				return err
			}

			results := store.CheckAll(c.Context())
			tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMPONENT\tTIER\tSTATUS\tLOCATOR")
			mismatched := 0
			for _, r := range results {
				status := "ok"
				if !r.Matched {
					mismatched++
					status = "MISMATCH"
					if r.Err != nil {
						status = "ERROR: " + r.Err.Error()
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Component, r.Tier, status, r.Locator)
			}
			tw.Flush()

			if mismatched > 0 {
				fmt.Fprintf(os.Stderr, "%d of %d baselines do not match\n", mismatched, len(results))
				os.Exit(2)
			}
			return nil
		},
	}
}
