// Package app provides the mcpgatewayd command-line entry points.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok-labs/mcpgatewayd/internal/config"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "mcpgatewayd",
	DisableAutoGenTag: true,
	Short:             "Single-endpoint aggregating proxy for the Model Context Protocol",
	Long: `mcpgatewayd aggregates multiple MCP backend servers — stdio child
processes, HTTP, SSE, and WebSocket endpoints — behind one JSON-RPC 2.0
endpoint. It routes each operation to the correct backend, unifies tool
namespaces, and caches/batches/compresses responses to cut the token
footprint the client sees.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if err := logger.Initialize(viper.GetBool("debug")); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		}
	},
}

// NewRootCmd builds the mcpgatewayd root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to mcpgatewayd configuration file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregating proxy",
		Long: `Start the aggregating proxy: load and validate the configuration,
install the initial backend generation, and block on the single
client-facing endpoint until a shutdown signal arrives.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "127.0.0.1", "host address for the client-facing endpoint")
	cmd.Flags().Int("port", 4482, "port for the client-facing endpoint")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	cmd.Flags().Duration("drain-window", 0, "backend drain window on removal/change (0 uses pool defaults)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcpgatewayd version: %s", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}

			cfg, err := config.NewYAMLLoader(configPath, config.OSReader{}).Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if err := config.NewValidator().Validate(cfg); err != nil {
				return fmt.Errorf("validating configuration: %w", err)
			}

			logger.Infof("configuration is valid")
			logger.Infof("  backends: %d", len(cfg.Backends))
			logger.Infof("  router.virtual_nodes: %d", cfg.Router.VirtualNodes)
			logger.Infof("  cache: l1=%d l2=%d l3=%d entries", cfg.Cache.L1.MaxEntries, cfg.Cache.L2.MaxEntries, cfg.Cache.L3.MaxEntries)
			return nil
		},
	}
}
