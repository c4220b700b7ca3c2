package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logLevel  string
	logFormat string
	quiet     bool
	agentRef  string
	repoPath  string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "Branch-isolated multi-agent collaboration on a git repository",
	Long: `gitswarm coordinates many agents working on one repository. Each agent
works on an isolated stream branch, merges land on a shared buffer branch
under a consensus policy, and stabilization promotes green buffer states
to the release branch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initEnv()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&agentRef, "agent", "",
		"acting agent id or name (default: GITSWARM_AGENT or the connected agent)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".",
		"path inside the repository to operate on")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
}

func initEnv() {
	viper.SetEnvPrefix("GITSWARM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}
