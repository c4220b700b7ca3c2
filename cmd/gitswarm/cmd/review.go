package cmd

import (
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <stream>",
	Short: "Submit a stream for review",
	Args:  cobra.ExactArgs(1),
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
		st, err = fc.Streams.SubmitForReview(ctx, st.ID, agent.ID)
		if err != nil {
			return err
		}
		printf("stream %s is in review\n", st.Branch)
		return nil
	},
}

var reviewOpts struct {
	verdict  string
	feedback string
	human    bool
	tested   bool
}

var reviewCmd = &cobra.Command{
	Use:   "review <stream>",
	Short: "Record a review verdict on a stream",
	Args:  cobra.ExactArgs(1),
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
		review, err := fc.Streams.SubmitReview(ctx, st.ID, agent.ID,
			reviewOpts.verdict, reviewOpts.feedback, reviewOpts.human, reviewOpts.tested)
		if err != nil {
			return err
		}
		printf("recorded %s on %s\n", review.Verdict, st.Branch)

		res, err := fc.Policy.CheckConsensus(ctx, st.ID)
		if err == nil {
			printf("consensus: reached=%t (%s)\n", res.Reached, res.Reason)
		}
		return nil
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon <stream>",
	Short: "Abandon a stream and release its worktree",
	Args:  cobra.ExactArgs(1),
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
		if err := fc.Streams.Abandon(ctx, st.ID, agent.ID); err != nil {
			return err
		}
		printf("stream %s abandoned\n", st.Branch)
		return nil
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewOpts.verdict, "verdict", "",
		"approve, reject or request-changes")
	reviewCmd.Flags().StringVar(&reviewOpts.feedback, "feedback", "", "review feedback")
	reviewCmd.Flags().BoolVar(&reviewOpts.human, "human", false, "the reviewer is a human")
	reviewCmd.Flags().BoolVar(&reviewOpts.tested, "tested", false, "the reviewer ran the change")
	_ = reviewCmd.MarkFlagRequired("verdict")

	rootCmd.AddCommand(submitCmd, reviewCmd, abandonCmd)
}
