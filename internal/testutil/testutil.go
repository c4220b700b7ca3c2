// Package testutil builds throwaway federations for package tests: a
// temp SQLite store seeded with a repo and agents, and an in-process
// coordinator backed by httptest.
package testutil

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/api"
	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// OpenStore opens a store on a file under t.TempDir, closed on cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gitswarm.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// RepoOption tweaks the seeded repository before insert.
type RepoOption func(*core.Repository)

// WithMergeMode sets the merge mode.
func WithMergeMode(m core.MergeMode) RepoOption {
	return func(r *core.Repository) { r.MergeMode = m }
}

// WithOwnership sets the ownership model.
func WithOwnership(o core.OwnershipModel) RepoOption {
	return func(r *core.Repository) { r.OwnershipModel = o }
}

// WithThreshold sets the consensus threshold.
func WithThreshold(v float64) RepoOption {
	return func(r *core.Repository) { r.ConsensusThreshold = v }
}

// WithMinReviews sets the review floor.
func WithMinReviews(n int) RepoOption {
	return func(r *core.Repository) { r.MinReviews = n }
}

// SeedRepo inserts a repository with defaults suitable for tests.
func SeedRepo(t *testing.T, st *store.Store, opts ...RepoOption) *core.Repository {
	t.Helper()
	repo := &core.Repository{Name: "testrepo"}
	for _, opt := range opts {
		opt(repo)
	}
	if err := st.CreateRepo(context.Background(), repo); err != nil {
		t.Fatalf("seeding repo: %v", err)
	}
	return repo
}

// SeedAgent registers an agent, returning it and the raw API key.
func SeedAgent(t *testing.T, st *store.Store, name string) (*core.Agent, string) {
	t.Helper()
	agent, key, err := st.RegisterAgent(context.Background(), name)
	if err != nil {
		t.Fatalf("seeding agent %s: %v", name, err)
	}
	return agent, key
}

// SeedMaintainer registers an agent and adds it as a maintainer.
func SeedMaintainer(t *testing.T, st *store.Store, repoID, name string, role core.MaintainerRole) (*core.Agent, string) {
	t.Helper()
	agent, key := SeedAgent(t, st, name)
	if err := st.AddMaintainer(context.Background(), repoID, agent.ID, role); err != nil {
		t.Fatalf("adding maintainer %s: %v", name, err)
	}
	return agent, key
}

// SeedStream inserts an active stream owned by an agent.
func SeedStream(t *testing.T, st *store.Store, repoID, ownerID, branch string) *core.Stream {
	t.Helper()
	stream := &core.Stream{
		ID:           branch + "-id",
		RepoID:       repoID,
		OwnerID:      ownerID,
		Branch:       branch,
		BaseBranch:   "buffer",
		Source:       core.SourceCLI,
		Status:       core.StreamActive,
		ReviewStatus: core.ReviewNone,
	}
	if err := st.UpsertStream(context.Background(), stream); err != nil {
		t.Fatalf("seeding stream %s: %v", branch, err)
	}
	return stream
}

// Coordinator starts an in-process coordinator over the given store.
// The returned URL is ready for a sync.Client.
func Coordinator(t *testing.T, st *store.Store) string {
	t.Helper()
	server := api.NewServer(st, policy.NewEngine(st, logging.NewNop()))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}
