package cmd

import (
	"github.com/spf13/cobra"
)

var commitMessage string

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit the agent's worktree onto its current stream",
	Long: `Stages everything in the agent's worktree and commits it with a
Change-Id trailer. In swarm mode a successful commit immediately
attempts a buffer merge.`,
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
		outcome, err := fc.Streams.Commit(ctx, agent.ID, commitMessage)
		if err != nil {
			return err
		}
		printf("committed %s on %s (change %s)\n",
			shortCommit(outcome.Commit), outcome.Stream.Branch, outcome.ChangeID)
		if outcome.Merged {
			printf("merged into %s as %s\n", fc.Repo.BufferBranch, shortCommit(outcome.MergeCommit))
		}
		if outcome.MergeErr != nil {
			printf("auto-merge failed: %v\n", outcome.MergeErr)
		}
		return nil
	},
}

func shortCommit(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	_ = commitCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(commitCmd)
}
