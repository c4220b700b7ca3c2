package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Inspect and advance the repository stage",
}

var stageStatusCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"status"},
	Short:   "Show advancement eligibility for the next stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		elig, err := fc.Stage.CheckAdvancementEligibility(ctx, fc.Repo.ID)
		if err != nil {
			return err
		}
		printf("stage: %s\n", fc.Repo.Stage)
		if elig.NextStage == "" {
			printf("already at the final stage\n")
			return nil
		}
		printf("next: %s, eligible: %t\n", elig.NextStage, elig.Eligible)
		if len(elig.UnmetRequirements) > 0 {
			printf("unmet: %s\n", strings.Join(elig.UnmetRequirements, "; "))
		}
		return nil
	},
}

var stageAdvanceForce bool

var stageAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance to the next stage when requirements are met",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		hist, err := fc.Stage.AdvanceStage(ctx, fc.Repo.ID, stageAdvanceForce)
		if err != nil {
			return err
		}
		printf("advanced %s -> %s\n", hist.FromStage, hist.ToStage)
		return nil
	},
}

var stageSetReason string

var stageSetCmd = &cobra.Command{
	Use:   "set <stage>",
	Short: "Set the stage directly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		hist, err := fc.Stage.SetStage(ctx, fc.Repo.ID, core.Stage(args[0]), stageSetReason)
		if err != nil {
			return err
		}
		printf("stage %s -> %s\n", hist.FromStage, hist.ToStage)
		return nil
	},
}

func init() {
	stageAdvanceCmd.Flags().BoolVar(&stageAdvanceForce, "force", false,
		"advance even when requirements are unmet")
	stageSetCmd.Flags().StringVar(&stageSetReason, "reason", "manual", "recorded reason")
	stageCmd.AddCommand(stageStatusCmd, stageAdvanceCmd, stageSetCmd)
	rootCmd.AddCommand(stageCmd)
}
