package commands

import (
	"fmt"
	"time"

	"icfesprep/internal/worker"

	"github.com/spf13/cobra"
)

// SessionCommands returns the test session commands
func SessionCommands(env *Env) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Test session commands",
		Long: `Test session commands.

Available commands:
  show   - Show a session and its responses
  reap   - Abandon sessions idle past the inactivity timeout`,
	}

	sessionsCmd.AddCommand(showSessionCmd(env))
	sessionsCmd.AddCommand(reapCmd(env))

	return sessionsCmd
}

func showSessionCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show a session and its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			sessionService, err := container.GetAdaptiveSessionService()
			if err != nil {
				return err
			}
			session, err := sessionService.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			responses, err := sessionService.GetSessionResponses(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"session":   session,
				"responses": responses,
			})
		},
	}
}

func reapCmd(env *Env) *cobra.Command {
	var (
		inactiveFor time.Duration
		batchSize   int
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Abandon inactive sessions now",
		Long: `Run one reaper pass: every active session not updated within --inactive-for
is moved to abandoned with termination reason inactivity.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			sessionService, err := container.GetAdaptiveSessionService()
			if err != nil {
				return err
			}

			cfg := worker.ConfigFromApp(env.Config)
			if inactiveFor > 0 {
				cfg.InactivityTimeout = inactiveFor
			}
			if batchSize > 0 {
				cfg.BatchSize = batchSize
			}
			reaper := worker.NewSessionReaper(sessionService, "adm", cfg, env.Logger)
			reaped, err := reaper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d sessions inactive for more than %s\n", reaped, cfg.InactivityTimeout)
			return nil
		},
	}

	cmd.Flags().DurationVar(&inactiveFor, "inactive-for", 0, "Inactivity threshold (defaults to session.inactivity_timeout)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Sessions per batch (defaults to session.reaper_batch_size)")
	return cmd
}

// AbilityCommands returns the ability inspection commands
func AbilityCommands(env *Env) *cobra.Command {
	abilityCmd := &cobra.Command{
		Use:   "ability",
		Short: "Ability estimate commands",
	}

	abilityCmd.AddCommand(&cobra.Command{
		Use:   "show USER_ID [SUBJECT]",
		Short: "Show a student's ability report",
		Long:  `Show the ability report for one subject, or the full profile when no subject is given.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			sessionService, err := container.GetAdaptiveSessionService()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				profile, err := sessionService.GetAbilityProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), profile)
			}

			subject, err := parseSubject(args[1])
			if err != nil {
				return err
			}
			report, err := sessionService.GetAbilityReport(ctx, args[0], subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	})

	return abilityCmd
}
