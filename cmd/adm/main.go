// Package main provides the admin CLI for the ICFES adaptive testing engine.
package main

import (
	"context"
	"fmt"
	"os"

	"icfesprep/cmd/adm/commands"
	"icfesprep/internal/config"
	"icfesprep/internal/observability"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree over env
func newRootCmd(env *commands.Env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adm",
		Short: "ICFES adaptive testing administration tool",
		Long: `ICFES adaptive testing administration tool

Commands for item bank maintenance, session inspection and reaping,
service tokens and database operations.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				fmt.Printf("Error showing help: %v\n", err)
			}
		},
	}

	rootCmd.AddCommand(commands.ItemCommands(env))
	rootCmd.AddCommand(commands.SessionCommands(env))
	rootCmd.AddCommand(commands.AbilityCommands(env))
	rootCmd.AddCommand(commands.DatabaseCommands(env))
	rootCmd.AddCommand(commands.TokenCommands())
	return rootCmd
}

func main() {
	ctx := context.Background()

	if os.Getenv(config.ConfigFileEnv) == "" {
		for _, path := range []string{"config.yaml", "../config.yaml", "../../config.yaml"} {
			if _, err := os.Stat(path); err == nil {
				if err := os.Setenv(config.ConfigFileEnv, path); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to set %s: %v\n", config.ConfigFileEnv, err)
					os.Exit(1)
				}
				break
			}
		}
	}

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The CLI logs errors only and never exports telemetry
	cfg.Server.LogLevel = "error"
	cfg.OpenTelemetry.EnableTracing = false
	cfg.OpenTelemetry.EnableMetrics = false
	cfg.OpenTelemetry.EnableLogging = false

	telemetry, err := observability.SetupObservability(&cfg.OpenTelemetry, "icfes-admin", cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger

	env := commands.NewEnv(cfg, logger)
	rootCmd := newRootCmd(env)
	execErr := rootCmd.ExecuteContext(ctx)

	if err := env.Close(ctx); err != nil {
		logger.Warn(ctx, "Warning: failed to close services", map[string]interface{}{"error": err.Error()})
	}
	if execErr != nil {
		os.Exit(1)
	}
}
