package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/federation"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the repository's federation state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		active, err := fc.Store.ListStreams(ctx, fc.Repo.ID, core.StreamActive, core.StreamInReview)
		if err != nil {
			return err
		}
		depth, err := fc.Store.QueueDepth(ctx)
		if err != nil {
			return err
		}
		server := fc.Config.GetString(federation.KeyServerURL)

		if statusJSON {
			return printJSON(map[string]interface{}{
				"repo":                fc.Repo.Name,
				"ownership":           fc.Repo.OwnershipModel,
				"merge_mode":          fc.Repo.MergeMode,
				"stage":               fc.Repo.Stage,
				"consensus_authority": fc.Repo.ConsensusAuthority,
				"buffer":              fc.Repo.BufferBranch,
				"promote_target":      fc.Repo.PromoteTarget,
				"open_streams":        len(active),
				"queued_events":       depth,
				"server":              server,
			})
		}

		printf("%s  [%s/%s, stage %s]\n", fc.Repo.Name,
			fc.Repo.OwnershipModel, fc.Repo.MergeMode, fc.Repo.Stage)
		printf("buffer %s -> %s, consensus authority %s\n",
			fc.Repo.BufferBranch, fc.Repo.PromoteTarget, fc.Repo.ConsensusAuthority)
		if server != "" {
			printf("coordinator: %s\n", server)
		} else {
			printf("coordinator: not connected\n")
		}
		printf("queued events: %d\n", depth)
		for _, st := range active {
			printf("  %-28s %-10s %s\n", st.Branch, st.Status, st.Task)
		}
		return nil
	},
}

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent federation activity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		entries, err := fc.Store.ListActivity(ctx, fc.Repo.ID, logLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printf("%s  %-18s %s\n", e.At.Format("2006-01-02 15:04:05"), e.Kind, e.Message)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable output")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "number of entries")
	rootCmd.AddCommand(statusCmd, logCmd)
}
