package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
)

var stabilizeTimeout time.Duration

var stabilizeCmd = &cobra.Command{
	Use:   "stabilize",
	Short: "Run the stabilize command against the buffer branch",
	Long: `Runs the configured stabilize command on the buffer. A green run is
tagged and, when auto-promote is on, fast-forwards the release branch. A
red run reverts the newest merge when auto-revert is on and files a
critical repair task against the breaking stream.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		stab := fc.Stabilizer
		if stabilizeTimeout > 0 {
			stab = stab.WithTimeout(stabilizeTimeout)
		}
		rec, err := stab.Run(ctx, fc.Repo.ID, fc.Promoter)
		if err != nil {
			return err
		}
		switch rec.Result {
		case core.StabilizationGreen:
			printf("green (tag %s)\n", rec.Tag)
		default:
			printf("red\n")
			if rec.BreakingStream != "" {
				printf("reverted breaking stream %s\n", rec.BreakingStream)
			}
		}
		return nil
	},
}

var promoteTag string

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Fast-forward the release branch to the buffer or a green tag",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		agent, err := requireAgent(ctx, fc)
		if err != nil {
			return err
		}
		promo, err := fc.Promoter.Promote(ctx, fc.Repo.ID, core.TriggerManual, agent.ID, promoteTag)
		if err != nil {
			return err
		}
		printf("promoted %s to %s (%s)\n", promo.FromBranch, promo.ToBranch, shortCommit(promo.ToCommit))
		return nil
	},
}

func init() {
	stabilizeCmd.Flags().DurationVar(&stabilizeTimeout, "timeout", 0,
		"override the stabilize command timeout")
	promoteCmd.Flags().StringVar(&promoteTag, "tag", "",
		"promote from this green tag instead of the buffer head")
	rootCmd.AddCommand(stabilizeCmd, promoteCmd)
}
