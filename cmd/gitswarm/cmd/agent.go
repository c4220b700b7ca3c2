package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterMaintainer bool

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register an agent and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		agent, key, err := fc.Store.RegisterAgent(ctx, args[0])
		if err != nil {
			return err
		}
		if agentRegisterMaintainer {
			if err := fc.Store.AddMaintainer(ctx, fc.Repo.ID, agent.ID, core.RoleMaintainer); err != nil {
				return err
			}
		}
		printf("agent %s registered (id %s)\n", agent.Name, agent.ID)
		printf("api key (shown once): %s\n", key)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with karma and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fc, err := openFederation(ctx)
		if err != nil {
			return err
		}
		defer fc.Close()

		agents, err := fc.Store.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			printf("%-24s karma=%-4d %s\n", a.Name, a.Karma, a.Status)
		}
		return nil
	},
}

func init() {
	agentRegisterCmd.Flags().BoolVar(&agentRegisterMaintainer, "maintainer", false,
		"also add the agent as a repo maintainer")
	agentCmd.AddCommand(agentRegisterCmd, agentListCmd)
	rootCmd.AddCommand(agentCmd)
}
