package commands

import (
	"fmt"
	"strconv"

	"icfesprep/internal/irt"
	"icfesprep/internal/itembank"
	"icfesprep/internal/models"
	contextutils "icfesprep/internal/utils"

	"github.com/spf13/cobra"
)

// ItemCommands returns the item bank management commands
func ItemCommands(env *Env) *cobra.Command {
	itemsCmd := &cobra.Command{
		Use:   "items",
		Short: "Item bank management commands",
		Long: `Item bank management commands.

Available commands:
  import       - Load a YAML or JSON item file into the bank
  list         - List items
  information  - Show test information of a subject's bank at an ability level`,
	}

	itemsCmd.AddCommand(importItemsCmd(env))
	itemsCmd.AddCommand(listItemsCmd(env))
	itemsCmd.AddCommand(informationCmd(env))

	return itemsCmd
}

func importItemsCmd(env *Env) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import items from a YAML or JSON file",
		Long: `Validate an item file against the item bank schema and upsert every item.
Items with an id update the existing row; items without one are inserted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader, err := itembank.NewLoader()
			if err != nil {
				return err
			}
			items, err := loader.LoadFile(args[0])
			if err != nil {
				env.Logger.Error(ctx, "Item file rejected", err, map[string]interface{}{"file": args[0]})
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d items valid\n", len(items))
				return nil
			}

			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			bank, err := container.GetItemBankService()
			if err != nil {
				return err
			}
			result, err := bank.ImportItems(ctx, items)
			if err != nil {
				env.Logger.Error(ctx, "Item import failed", err, map[string]interface{}{
					"file":     args[0],
					"inserted": result.Inserted,
					"updated":  result.Updated,
				})
				return err
			}
			env.Logger.Info(ctx, "Items imported", map[string]interface{}{
				"file":     args[0],
				"inserted": result.Inserted,
				"updated":  result.Updated,
			})
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only validate the file")
	return cmd
}

func listItemsCmd(env *Env) *cobra.Command {
	var (
		subject    string
		calibrated string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			filter := models.ItemFilter{Limit: limit, Offset: offset}
			if subject != "" {
				s, err := parseSubject(subject)
				if err != nil {
					return err
				}
				filter.SubjectArea = s
			}
			if calibrated != "" {
				v, err := strconv.ParseBool(calibrated)
				if err != nil {
					return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid --calibrated value %q", calibrated)
				}
				filter.Calibrated = &v
			}

			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			bank, err := container.GetItemBankService()
			if err != nil {
				return err
			}
			items, err := bank.ListItems(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No items found")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-20s %-8s %-8s %-8s %-10s %-8s\n", "ID", "Subject", "a", "b", "c", "Calibrated", "Exposure")
			for _, item := range items {
				fmt.Fprintf(out, "%-6d %-20s %-8.3f %-8.3f %-8.3f %-10t %-8d\n",
					item.ID, item.SubjectArea, item.DiscriminationA, item.DifficultyB, item.GuessingC, item.IsCalibrated, item.ExposureCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject area filter")
	cmd.Flags().StringVar(&calibrated, "calibrated", "", "Calibration filter (true or false)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum items to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Items to skip")
	return cmd
}

func informationCmd(env *Env) *cobra.Command {
	var (
		subject    string
		theta      float64
		percentile float64
	)

	cmd := &cobra.Command{
		Use:   "information",
		Short: "Show bank information at an ability level",
		Long:  `Sum the Fisher information of a subject's calibrated items at theta and report the implied standard error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := parseSubject(subject)
			if err != nil {
				return err
			}
			container, err := env.Container(ctx)
			if err != nil {
				return err
			}
			bank, err := container.GetItemBankService()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("percentile") {
				theta = irt.PercentileToTheta(percentile)
			}
			info, err := bank.BankInformation(ctx, s, theta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject area")
	cmd.Flags().Float64Var(&theta, "theta", 0, "Ability level")
	cmd.Flags().Float64Var(&percentile, "percentile", 50, "Ability level as a percentile (0-100)")
	cmd.MarkFlagsMutuallyExclusive("theta", "percentile")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
