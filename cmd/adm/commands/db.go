// Package commands provides CLI commands for the admin tool
package commands

import (
	"fmt"
	"os"

	"icfesprep/internal/config"
	"icfesprep/internal/database"
	"icfesprep/internal/di"
	contextutils "icfesprep/internal/utils"

	"github.com/spf13/cobra"
)

// DatabaseCommands returns the database management commands
func DatabaseCommands(env *Env) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the ICFES adaptive testing engine.

Available commands:
  stats     - Show item bank, session and response counts
  migrate   - Apply pending schema migrations`,
	}

	dbCmd.AddCommand(statsCmd(env))
	dbCmd.AddCommand(migrateCmd(env))

	return dbCmd
}

// statsCmd returns the stats command
func statsCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Long:  `Show item counts, calibrated items, abilities, sessions by status and response events.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			container, err := env.Container(ctx)
			if err != nil {
				return err
			}

			env.Logger.Info(ctx, "Diagnostic info", map[string]interface{}{
				"config_file": os.Getenv(config.ConfigFileEnv),
				"database":    getDatabaseInfo(ctx, container.GetDatabase()),
			})

			stats, err := container.GetStore().Stats(ctx)
			if err != nil {
				env.Logger.Error(ctx, "Failed to get database statistics", err, nil)
				return contextutils.WrapError(err, "failed to get database statistics")
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

// migrateCmd returns the migrate command
func migrateCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		Long:  `Apply pending schema migrations to the configured PostgreSQL database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if env.Config.Database.Driver == di.DriverMemory {
				return contextutils.WrapError(contextutils.ErrInvalidInput, "the memory driver has no schema to migrate")
			}

			env.Logger.Info(ctx, "Running migrations", map[string]interface{}{
				"database_url": maskDatabaseURL(env.Config.Database.URL),
			})
			if err := database.NewManager(env.Logger).RunMigrations(env.Config.Database.URL); err != nil {
				env.Logger.Error(ctx, "Migration failed", err, nil)
				return contextutils.WrapError(err, "migration failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
