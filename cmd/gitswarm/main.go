package main

import (
	"fmt"
	"os"

	"github.com/gitswarm/gitswarm/cmd/gitswarm/cmd"
	"github.com/gitswarm/gitswarm/internal/core"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(core.ExitCode(err))
	}
}
