// Package main provides the RuneDB CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orneryd/runedb/pkg/config"
	"github.com/orneryd/runedb/pkg/durability"
	"github.com/orneryd/runedb/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "runedb",
		Short: "RuneDB - Transactional MVCC Property-Graph Storage Engine",
		Long: `RuneDB is a property-graph storage engine written in Go.

Features:
  • Snapshot-isolated transactions over per-record version chains
  • Durable write-ahead log with snapshot recovery
  • Label and label-property indexes built online
  • Lock-free concurrent record stores`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RuneDB v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new RuneDB durability directory",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(initCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Recover the graph and write a fresh snapshot",
		Long:  "Open the durability directory, recover the graph, write a snapshot and exit.",
		RunE:  runSnapshot,
	}
	snapshotCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(snapshotCmd)

	checkCmd := &cobra.Command{
		Use:   "recover-check",
		Short: "Verify that the durability directory recovers cleanly",
		RunE:  runRecoverCheck,
	}
	checkCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Durability.DataDir = dataDir
	}
	return cfg, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := durability.EnsureLayout(cfg.Durability.DataDir); err != nil {
		return err
	}

	fmt.Printf("Initialized RuneDB durability directory: %s\n", cfg.Durability.DataDir)
	fmt.Printf("  %s\n", durability.SnapshotDir(cfg.Durability.DataDir))
	fmt.Printf("  %s\n", durability.WalDir(cfg.Durability.DataDir))
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	graph, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer graph.Close()

	path, err := graph.CreateSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Printf("Snapshot written: %s\n", filepath.Base(path))
	return nil
}

func runRecoverCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	graph, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	defer graph.Close()

	fmt.Printf("Recovery OK: %d vertices, %d edges, last tx %d\n",
		graph.VerticesTotal(), graph.EdgesTotal(), graph.Engine().LocalLast())
	return nil
}
