package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/pacer/internal/app"
	"github.com/foxzi/pacer/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pacer",
	Short: "Pacer - batch orchestration and send pacing",
	Long:  `Pacer runs long batch jobs with pollable progress and paces campaign sends across mailboxes.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pacer server",
	Long:  `Start the HTTP API, the batch runner and, when postgres is configured, campaign dispatch.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pacer version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Fprintf(out, "  API: %s\n", cfg.API.ListenAddr)
	fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Path)
	fmt.Fprintf(out, "  Progress: %s\n", cfg.Progress.Backend)
	fmt.Fprintf(out, "  Dispatch: %v\n", cfg.Postgres.DSN != "")
	fmt.Fprintf(out, "  Mailbox quotas: %s\n", cfg.Mailbox.Backend)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if len(cfg.Transport.DKIM) > 0 {
		fmt.Fprintf(out, "  DKIM domains: %d\n", len(cfg.Transport.DKIM))
	}

	return nil
}
