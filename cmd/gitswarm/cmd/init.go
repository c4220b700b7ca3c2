package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/federation"
)

var initOpts struct {
	name           string
	ownership      string
	mergeMode      string
	access         string
	threshold      float64
	minReviews     int
	buffer         string
	promoteTarget  string
	stabilizeCmd   string
	autoPromote    bool
	autoRevert     bool
	ownerAgentName string
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gitswarm inside an existing git repository",
	Long: `Creates the .gitswarm data directory, seeds the policy database with
default branch protection and bootstraps the buffer branch off HEAD.
With --owner an agent is registered and made the repo owner; the API key
is printed once.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := federation.Init(ctx, repoPath, federation.InitOptions{
			RepoName:           initOpts.name,
			OwnershipModel:     core.OwnershipModel(initOpts.ownership),
			MergeMode:          core.MergeMode(initOpts.mergeMode),
			AccessMode:         core.AccessMode(initOpts.access),
			ConsensusThreshold: initOpts.threshold,
			MinReviews:         initOpts.minReviews,
			BufferBranch:       initOpts.buffer,
			PromoteTarget:      initOpts.promoteTarget,
			StabilizeCommand:   initOpts.stabilizeCmd,
			AutoPromoteOnGreen: initOpts.autoPromote,
			AutoRevertOnRed:    initOpts.autoRevert,
		}, newLogger())
		if err != nil {
			return err
		}
		defer fc.Close()

		printf("initialized %s (%s/%s, buffer %q -> %q)\n",
			fc.Repo.Name, fc.Repo.OwnershipModel, fc.Repo.MergeMode,
			fc.Repo.BufferBranch, fc.Repo.PromoteTarget)

		if initOpts.ownerAgentName != "" {
			agent, key, err := fc.Store.RegisterAgent(ctx, initOpts.ownerAgentName)
			if err != nil {
				return err
			}
			if err := fc.Store.AddMaintainer(ctx, fc.Repo.ID, agent.ID, core.RoleOwner); err != nil {
				return err
			}
			printf("owner agent %s registered\n", agent.Name)
			printf("api key (shown once): %s\n", key)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initOpts.name, "name", "", "repository name (default: directory name)")
	initCmd.Flags().StringVar(&initOpts.ownership, "ownership", "solo", "ownership model (solo, guild, open)")
	initCmd.Flags().StringVar(&initOpts.mergeMode, "merge-mode", "review", "merge mode (swarm, review, gated)")
	initCmd.Flags().StringVar(&initOpts.access, "access", "public", "access mode (public, private)")
	initCmd.Flags().Float64Var(&initOpts.threshold, "threshold", 0.5, "weighted consensus threshold")
	initCmd.Flags().IntVar(&initOpts.minReviews, "min-reviews", 0, "minimum review count before consensus")
	initCmd.Flags().StringVar(&initOpts.buffer, "buffer", "buffer", "shared integration branch")
	initCmd.Flags().StringVar(&initOpts.promoteTarget, "promote-target", "main", "release branch promoted from the buffer")
	initCmd.Flags().StringVar(&initOpts.stabilizeCmd, "stabilize-cmd", "", "shell command that validates the buffer")
	initCmd.Flags().BoolVar(&initOpts.autoPromote, "auto-promote", false, "promote automatically after a green stabilization")
	initCmd.Flags().BoolVar(&initOpts.autoRevert, "auto-revert", false, "revert the newest merge after a red stabilization")
	initCmd.Flags().StringVar(&initOpts.ownerAgentName, "owner", "", "register this agent as the repo owner")

	rootCmd.AddCommand(initCmd)
}
