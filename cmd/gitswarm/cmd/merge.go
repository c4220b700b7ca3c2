package cmd

import (
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <stream>",
	Short: "Merge a stream into the buffer branch",
	Long: `Merges a stream into the shared buffer once the repo's merge mode is
satisfied: immediately in swarm mode, after weighted consensus in review
mode, after server approval in gated mode. With server consensus
authority, pending reviews are flushed first and the server's verdict is
final.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		st, err := resolveStream(ctx, fc, args[0])
		if err != nil {
			return err
		}
		rec, err := fc.Merges.Merge(ctx, st.ID, agent.ID)
		if err != nil {
			return err
		}
		printf("merged %s into %s as %s\n", st.Branch, rec.TargetBranch, shortCommit(rec.MergeCommit))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
