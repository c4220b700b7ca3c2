package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/federation"
	"github.com/gitswarm/gitswarm/internal/logging"
)

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
}

// openFederation assembles the component bundle for the repository the
// command runs in. Callers own Close.
func openFederation(ctx context.Context) (*federation.Context, error) {
	return federation.Open(ctx, repoPath, newLogger())
}

// requireAgent resolves the acting agent: --agent flag, GITSWARM_AGENT,
// then the agent recorded at connect time.
func requireAgent(ctx context.Context, fc *federation.Context) (*core.Agent, error) {
	ref := agentRef
	if ref == "" {
		ref = viper.GetString("agent")
	}
	if ref == "" {
		ref = fc.Config.GetString(federation.KeyAgentID)
	}
	if ref == "" {
		return nil, core.ErrValidation(core.CodeBadConfig,
			"no acting agent: pass --agent or set GITSWARM_AGENT")
	}
	return fc.Store.ResolveAgent(ctx, ref)
}

// resolveStream accepts a stream id or a branch name.
func resolveStream(ctx context.Context, fc *federation.Context, ref string) (*core.Stream, error) {
	st, err := fc.Store.GetStream(ctx, ref)
	if err == nil {
		return st, nil
	}
	if !core.IsCode(err, core.CodeStreamNotFound) {
		return nil, err
	}
	streams, err := fc.Store.ListStreams(ctx, fc.Repo.ID)
	if err != nil {
		return nil, err
	}
	for i := range streams {
		if streams[i].Branch == ref {
			return &streams[i], nil
		}
	}
	return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", ref)
}

func printf(format string, args ...interface{}) {
	if quiet {
		return
	}
	fmt.Printf(format, args...)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
