package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rng-ops/infrasim/pkg/config"
	"github.com/rng-ops/infrasim/pkg/daemon"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "infrasimd",
	Short:   "infrasimd - host-resident control plane for hardware-accelerated VMs",
	Long:    `infrasimd manages the lifecycle of Guests, Networks, and Volumes on a single host, converging observed state toward desired state through the Hypervisor Adapter.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"infrasimd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyConfigCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the infrasimd daemon",
	Long:  `Starts infrasimd: builds every core component, begins the Reconciler's convergence loop, and serves health/metrics until a shutdown signal arrives.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-address", "", "Health/metrics listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenAddress, _ := cmd.Flags().GetString("listen-address")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath, config.FileOverrides{
		ListenAddress: listenAddress,
		DataDir:       dataDir,
		LogLevel:      logLevel,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.WithComponent("daemon").Info().
		Str("data_dir", cfg.DataDir).
		Str("listen_address", cfg.ListenAddress).
		Msg("starting infrasimd")

	d, err := daemon.New(cfg, Version)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	log.WithComponent("daemon").Info().Msg("infrasimd is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("daemon").Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulStopTimeout+5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	log.WithComponent("daemon").Info().Msg("shutdown complete")
	return nil
}

var verifyConfigCmd = &cobra.Command{
	Use:   "verify-config",
	Short: "Load and validate a config file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath, config.FileOverrides{})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fmt.Printf("config OK: data_dir=%s listen_address=%s\n", cfg.DataDir, cfg.ListenAddress)
		return nil
	},
}
