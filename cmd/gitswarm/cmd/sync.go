package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/federation"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange queued events with the coordinator",
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush the offline event queue to the coordinator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		report, err := fc.Dispatcher.FlushQueue(ctx)
		if err != nil {
			return err
		}
		fc.Config.SetTime(federation.KeyLastSync, time.Now())
		if err := fc.Config.Save(); err != nil {
			fc.Logger.Warn("saving sync watermark failed", "error", err)
		}
		printf("sent=%d duplicates=%d remaining=%d\n",
			report.Sent, report.Duplicates, report.Remaining)
		for typ, n := range report.FailedTypes {
			printf("  stuck %s: %d\n", typ, n)
		}
		return nil
	},
}

var syncPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Pull reviews, grants, tasks and config from the coordinator",
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
		since := fc.Config.GetTime(federation.KeyLastPoll)
		report, err := fc.Poller.Poll(ctx, since, agent.ID)
		if err != nil {
			return err
		}
		fc.Config.SetTime(federation.KeyLastPoll, time.Now())
		if err := fc.Config.Save(); err != nil {
			fc.Logger.Warn("saving poll watermark failed", "error", err)
		}
		printf("reviews=%d grants=%d tasks=%d config=%t\n",
			report.Reviews, report.Grants, report.Tasks, report.Config)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the offline queue depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		depth, err := fc.Store.QueueDepth(ctx)
		if err != nil {
			return err
		}
		types, err := fc.Store.PendingQueueTypes(ctx)
		if err != nil {
			return err
		}
		printf("queued events: %d\n", depth)
		for typ, n := range types {
			printf("  %s: %d\n", typ, n)
		}
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncFlushCmd, syncPollCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
