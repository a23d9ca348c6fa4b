// AgSys Edge Sync
// Main entry point for the device connectivity and offline sync daemon
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agsys/edge-sync/internal/config"
	"github.com/agsys/edge-sync/internal/engine"
	"github.com/agsys/edge-sync/internal/logger"
	"github.com/agsys/edge-sync/internal/roster"
)

var version = "0.2.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agsys-sync",
		Short: "AgSys Edge Sync",
		Long:  "Edge daemon for the AgSys agricultural IoT system. Keeps device connections over BLE, MQTT, USB serial, WiFi and LoRa, queues commands while offline and syncs with the cloud.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		RunE:  runDaemon,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and device roster",
		RunE:  checkConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AgSys Edge Sync v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/sync.yaml", "Configuration file path (optional, "+config.EnvPrefix+"_* overrides)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configFile
	// The default path is optional; an explicit one must exist
	if !rootCmd.PersistentFlags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	devices, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d devices, sync every %s\n", len(devices), cfg.Sync.Interval)
	for _, d := range devices {
		fmt.Printf("  %-20s %-7s %s\n", d.ID, d.Protocol, d.Address)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closer, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closer.Close()

	eng, err := engine.New(cfg, log, engine.Overrides{})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("controller_id", cfg.Controller.ID).Str("version", version).Msg("starting agsys-sync")
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	if err := eng.Stop(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
