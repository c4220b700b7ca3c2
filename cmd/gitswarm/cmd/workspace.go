package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/stream"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage agent workspaces and their streams",
}

var workspaceCreateOpts struct {
	name   string
	task   string
	parent string
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a stream and check a worktree out onto it",
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

		parentID := ""
		if workspaceCreateOpts.parent != "" {
			parent, err := resolveStream(ctx, fc, workspaceCreateOpts.parent)
			if err != nil {
				return err
			}
			parentID = parent.ID
		}

		ws, err := fc.Streams.CreateWorkspace(ctx, stream.CreateWorkspaceOptions{
			AgentID:      agent.ID,
			RepoID:       fc.Repo.ID,
			Name:         workspaceCreateOpts.name,
			Task:         workspaceCreateOpts.task,
			ParentStream: parentID,
			Source:       core.SourceCLI,
		})
		if err != nil {
			return err
		}
		if ws.Warning != "" {
			printf("warning: %s\n", ws.Warning)
		}
		printf("stream %s on branch %s\n", ws.Stream.ID, ws.Stream.Branch)
		printf("worktree: %s\n", ws.Worktree.Path)
		return nil
	},
}

var workspaceSwitchCmd = &cobra.Command{
	Use:   "switch <stream>",
	Short: "Point the agent's worktree at another stream",
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
		wt, err := fc.Streams.SwitchWorkspace(ctx, agent.ID, st.ID)
		if err != nil {
			return err
		}
		printf("worktree %s now on %s\n", wt.Path, st.Branch)
		return nil
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streams",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		streams, err := fc.Store.ListStreams(ctx, fc.Repo.ID)
		if err != nil {
			return err
		}
		for _, st := range streams {
			printf("%-36s %-28s %-10s %s\n", st.ID, st.Branch, st.Status, st.Task)
		}
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&workspaceCreateOpts.name, "name", "", "short stream name, used in the branch")
	workspaceCreateCmd.Flags().StringVar(&workspaceCreateOpts.task, "task", "", "task description")
	workspaceCreateCmd.Flags().StringVar(&workspaceCreateOpts.parent, "from", "", "fork from this stream instead of the buffer")

	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceSwitchCmd, workspaceListCmd)
	rootCmd.AddCommand(workspaceCmd)
}
