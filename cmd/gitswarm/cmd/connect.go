package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/core"
)

var connectOpts struct {
	server string
	apiKey string
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect this repository to a coordinator server",
	Long: `Registers the repo with the coordinator and moves consensus authority
to the server. Anything queued while offline is flushed immediately.`,
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
		if connectOpts.server == "" {
			return core.ErrValidation(core.CodeBadConfig, "--server is required")
		}
		if err := fc.ConnectServer(ctx, connectOpts.server, connectOpts.apiKey, agent.ID); err != nil {
			return err
		}
		printf("connected to %s; consensus authority is now the server\n", connectOpts.server)
		return nil
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectOpts.server, "server", "", "coordinator base URL")
	connectCmd.Flags().StringVar(&connectOpts.apiKey, "api-key", "", "agent API key for the coordinator")
	rootCmd.AddCommand(connectCmd)
}
