package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bz888/subql-cosmos/internal/common"
	"github.com/bz888/subql-cosmos/internal/config"
	"github.com/bz888/subql-cosmos/internal/decoder"
	"github.com/bz888/subql-cosmos/internal/indexer"
	"github.com/bz888/subql-cosmos/internal/logger"
	pkgconfig "github.com/bz888/subql-cosmos/pkg/config"
	pkgindexer "github.com/bz888/subql-cosmos/pkg/indexer"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
	banner  = `
╔═══════════════════════════════════════════╗
║          subql-cosmos v%s              ║
║   Cosmos block retrieval and dispatch     ║
╚═══════════════════════════════════════════╝
`
)

var (
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "subql-cosmos - Cosmos block retrieval and dispatch engine",
	Long: `subql-cosmos fetches blocks of a Cosmos SDK chain from a pool of Tendermint RPC
endpoints, optionally narrowed by a dictionary and served from KYVE archives, and
delivers them in height order to a processor with fork handling near the head.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runIndexer,
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run the indexer",
	SilenceUsage: true,
	RunE:         runIndexer,
}

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validate a configuration file",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %d endpoint(s), processor %s\n",
			len(cfg.Network.Endpoints), cfg.Processor.Type)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available processor types and decoded message types",
	Long: `List all registered processor types that can be used in the configuration file,
and the message type URLs whose payloads are decoded.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Available processor types:")
		types := pkgindexer.ListRegistered()
		if len(types) == 0 {
			fmt.Fprintln(out, "  (no processors registered)")
		}
		for _, t := range types {
			fmt.Fprintf(out, "  - %s\n", t)
		}

		fmt.Fprintln(out, "Decoded message types:")
		for _, url := range decoder.DefaultRegistry().TypeURLs() {
			fmt.Fprintf(out, "  - %s\n", url)
		}
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := jsonschema.Reflector{FieldNameTag: "json"}
		schema := reflector.Reflect(&pkgconfig.Config{})
		schema.Title = "subql-cosmos configuration"

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(schema)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(runCmd, validateCmd, listCmd, schemaCmd, versionCmd)
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	logger.SetDefaultLogger(log)
	defer func() { _ = log.Sync() }()

	log.Infow("starting indexer",
		"chain_id", cfg.Network.ChainID,
		"endpoints", len(cfg.Network.Endpoints),
		"start_height", cfg.Dispatcher.StartHeight,
		"end_height", cfg.Dispatcher.EndHeight,
	)

	if err := indexer.NewRunner(cfg, log).Run(ctx); err != nil {
		return fmt.Errorf("indexer failed: %w", err)
	}

	log.Info("indexer stopped successfully")
	return nil
}

func newLogger(cfg *pkgconfig.Config) *logger.Logger {
	if cfg.Logging == nil {
		return logger.NewComponentLogger(common.ComponentRunner, "info", false)
	}
	return logger.NewComponentLoggerFromConfig(common.ComponentRunner, cfg.Logging)
}
