package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/nopu-sh/agent/internal/application"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the nopu agent
var rootCmd = &cobra.Command{
	Use:   "nopu",
	Short: "nopu keeps push subscriptions alive on Nostr relay groups",
	Long:  `nopu holds live subscriptions on the relays of every configured push server and forwards group notifications.`,
	Example: `
  nopu start
  nopu start --config /path/to/config.yaml --log-level debug
  nopu status --config /path/to/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return err
			}
			cfg.Logging.Level = lvl
		}
		if flags.Changed("metrics-addr") {
			cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
			if err := config.Validate(cfg); err != nil {
				return err
			}
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the push agent",
	Long:  "Connect every configured push server, subscribe its filters and serve the status surface until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger.Info("Using config file", zap.String("config_file", cfgFile))

		metrics.RegisterMetrics()

		logger.Info("Starting nopu agent...", zap.String("version", GetVersion()))
		agent, err := application.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize the agent: %w", err)
		}

		if err := agent.Start(ctx); err != nil {
			_ = agent.Shutdown()
			return fmt.Errorf("failed to start the agent: %w", err)
		}

		<-ctx.Done()
		err = agent.Shutdown()
		_ = logger.Shutdown()
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the configured push servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		printFleet(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of the nopu agent",
	Run: func(cmd *cobra.Command, args []string) {
		if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
			fmt.Fprintln(cmd.OutOrStdout(), GetFullVersionInfo())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), GetVersionWithPrefix())
		}
	},
}

// printFleet renders every push server with its relays and subscription count.
func printFleet(out io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tRELAYS\tSUBSCRIPTIONS")
	for _, srv := range cfg.Push.Servers {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", srv.Key, strings.Join(cfg.Push.EndpointsFor(srv), ","), len(srv.Subscriptions))
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "\nstatus surface: %s (enabled: %t)\n", cfg.Metrics.Addr, cfg.Metrics.Enabled)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Listen address of the status surface")

	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(startCmd, statusCmd, versionCmd)
}
