package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/internal/core"
)

const repoColumns = `id, name, ownership_model, merge_mode, access_mode, private, min_karma,
	consensus_threshold, min_reviews, human_review_weight, buffer_branch, promote_target,
	stabilize_command, auto_promote_on_green, auto_revert_on_red, consensus_authority,
	stage, contributor_count, patch_count, plugins_enabled, created_at, updated_at`

// CreateRepo inserts the federation's repository record.
func (s *Store) CreateRepo(ctx context.Context, repo *core.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	now := time.Now()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	applyRepoDefaults(repo)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("repos")+" ("+repoColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		repo.ID, repo.Name, string(repo.OwnershipModel), string(repo.MergeMode),
		string(repo.AccessMode), boolToInt(repo.Private), repo.MinKarma,
		repo.ConsensusThreshold, repo.MinReviews, repo.HumanReviewWeight,
		repo.BufferBranch, repo.PromoteTarget, repo.StabilizeCommand,
		boolToInt(repo.AutoPromoteOnGreen), boolToInt(repo.AutoRevertOnRed),
		string(repo.ConsensusAuthority), string(repo.Stage),
		repo.ContributorCount, repo.PatchCount, boolToInt(repo.PluginsEnabled),
		formatTime(repo.CreatedAt), formatTime(repo.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting repo: %w", err)
	}
	return nil
}

func applyRepoDefaults(repo *core.Repository) {
	if repo.OwnershipModel == "" {
		repo.OwnershipModel = core.OwnershipSolo
	}
	if repo.MergeMode == "" {
		repo.MergeMode = core.MergeModeReview
	}
	if repo.AccessMode == "" {
		repo.AccessMode = core.AccessModePublic
	}
	if repo.ConsensusThreshold == 0 {
		repo.ConsensusThreshold = 0.5
	}
	if repo.HumanReviewWeight == 0 {
		repo.HumanReviewWeight = 1.5
	}
	if repo.BufferBranch == "" {
		repo.BufferBranch = "buffer"
	}
	if repo.PromoteTarget == "" {
		repo.PromoteTarget = "main"
	}
	if repo.ConsensusAuthority == "" {
		repo.ConsensusAuthority = core.AuthorityLocal
	}
	if repo.Stage == "" {
		repo.Stage = core.StageSeed
	}
}

// GetRepo loads a repository by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*core.Repository, error) {
	return s.scanRepo(s.db.QueryRowContext(ctx,
		"SELECT "+repoColumns+" FROM "+s.T("repos")+" WHERE id = ?", id))
}

// GetDefaultRepo returns the single repository of this federation.
func (s *Store) GetDefaultRepo(ctx context.Context) (*core.Repository, error) {
	return s.scanRepo(s.db.QueryRowContext(ctx,
		"SELECT "+repoColumns+" FROM "+s.T("repos")+" ORDER BY created_at LIMIT 1"))
}

// ListRepos returns all repositories.
func (s *Store) ListRepos(ctx context.Context) ([]core.Repository, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+repoColumns+" FROM "+s.T("repos")+" ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []core.Repository
	for rows.Next() {
		repo, err := scanRepoRow(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRepo(row *sql.Row) (*core.Repository, error) {
	repo, err := scanRepoRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeRepoNotFound, "repo", "")
	}
	return repo, err
}

func scanRepoRow(row rowScanner) (*core.Repository, error) {
	var r core.Repository
	var ownership, mode, access, authority, stage string
	var private, autoPromote, autoRevert, pluginsEnabled int
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Name, &ownership, &mode, &access, &private, &r.MinKarma,
		&r.ConsensusThreshold, &r.MinReviews, &r.HumanReviewWeight, &r.BufferBranch,
		&r.PromoteTarget, &r.StabilizeCommand, &autoPromote, &autoRevert,
		&authority, &stage, &r.ContributorCount, &r.PatchCount, &pluginsEnabled,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.OwnershipModel = core.OwnershipModel(ownership)
	r.MergeMode = core.MergeMode(mode)
	r.AccessMode = core.AccessMode(access)
	r.Private = private != 0
	r.AutoPromoteOnGreen = autoPromote != 0
	r.AutoRevertOnRed = autoRevert != 0
	r.PluginsEnabled = pluginsEnabled != 0
	r.ConsensusAuthority = core.ConsensusAuthority(authority)
	r.Stage = core.Stage(stage)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// UpdateRepo persists mutable repository fields.
func (s *Store) UpdateRepo(ctx context.Context, repo *core.Repository) error {
	repo.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.T("repos")+` SET name = ?, ownership_model = ?, merge_mode = ?, access_mode = ?,
		private = ?, min_karma = ?, consensus_threshold = ?, min_reviews = ?, human_review_weight = ?,
		buffer_branch = ?, promote_target = ?, stabilize_command = ?, auto_promote_on_green = ?,
		auto_revert_on_red = ?, consensus_authority = ?, stage = ?, plugins_enabled = ?, updated_at = ?
		WHERE id = ?`,
		repo.Name, string(repo.OwnershipModel), string(repo.MergeMode), string(repo.AccessMode),
		boolToInt(repo.Private), repo.MinKarma, repo.ConsensusThreshold, repo.MinReviews,
		repo.HumanReviewWeight, repo.BufferBranch, repo.PromoteTarget, repo.StabilizeCommand,
		boolToInt(repo.AutoPromoteOnGreen), boolToInt(repo.AutoRevertOnRed),
		string(repo.ConsensusAuthority), string(repo.Stage), boolToInt(repo.PluginsEnabled),
		formatTime(repo.UpdatedAt), repo.ID)
	if err != nil {
		return fmt.Errorf("updating repo: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound(core.CodeRepoNotFound, "repo", repo.ID)
	}
	return nil
}

// SetConsensusAuthority flips who answers consensus questions. Once set
// to server it is never silently reset; split-brain prevention depends
// on this.
func (s *Store) SetConsensusAuthority(ctx context.Context, repoID string, authority core.ConsensusAuthority) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("repos")+" SET consensus_authority = ?, updated_at = ? WHERE id = ?",
		string(authority), formatTime(time.Now()), repoID)
	return err
}

// RefreshRepoCounters recomputes contributor_count (distinct merged
// stream owners) and patch_count (merged streams) from the stream table.
func (s *Store) RefreshRepoCounters(ctx context.Context, repoID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.T("repos")+` SET
			contributor_count = (SELECT COUNT(DISTINCT owner_id) FROM `+s.T("streams")+` WHERE repo_id = ? AND status = 'merged'),
			patch_count = (SELECT COUNT(*) FROM `+s.T("streams")+` WHERE repo_id = ? AND status = 'merged'),
			updated_at = ?
		WHERE id = ?`,
		repoID, repoID, formatTime(time.Now()), repoID)
	return err
}

// SetStage updates the repo stage.
func (s *Store) SetStage(ctx context.Context, repoID string, stage core.Stage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("repos")+" SET stage = ?, updated_at = ? WHERE id = ?",
		string(stage), formatTime(time.Now()), repoID)
	return err
}

// --- Maintainers ---

// AddMaintainer upserts a maintainer role for (repo, agent).
func (s *Store) AddMaintainer(ctx context.Context, repoID, agentID string, role core.MaintainerRole) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("maintainers")+" (repo_id, agent_id, role) VALUES (?, ?, ?) "+
			"ON CONFLICT(repo_id, agent_id) DO UPDATE SET role = excluded.role",
		repoID, agentID, string(role))
	return err
}

// RemoveMaintainer drops a maintainer entry.
func (s *Store) RemoveMaintainer(ctx context.Context, repoID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.T("maintainers")+" WHERE repo_id = ? AND agent_id = ?", repoID, agentID)
	return err
}

// GetMaintainer returns the maintainer row for (repo, agent), or nil.
func (s *Store) GetMaintainer(ctx context.Context, repoID, agentID string) (*core.Maintainer, error) {
	var m core.Maintainer
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT repo_id, agent_id, role FROM "+s.T("maintainers")+" WHERE repo_id = ? AND agent_id = ?",
		repoID, agentID).Scan(&m.RepoID, &m.AgentID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Role = core.MaintainerRole(role)
	return &m, nil
}

// ListMaintainers returns all maintainers for a repo.
func (s *Store) ListMaintainers(ctx context.Context, repoID string) ([]core.Maintainer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT repo_id, agent_id, role FROM "+s.T("maintainers")+" WHERE repo_id = ?", repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Maintainer
	for rows.Next() {
		var m core.Maintainer
		var role string
		if err := rows.Scan(&m.RepoID, &m.AgentID, &role); err != nil {
			return nil, err
		}
		m.Role = core.MaintainerRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Explicit grants ---

// UpsertGrant records an explicit access grant.
func (s *Store) UpsertGrant(ctx context.Context, g core.Grant) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("repo_access")+" (repo_id, agent_id, access_level, expires_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(repo_id, agent_id) DO UPDATE SET access_level = excluded.access_level, expires_at = excluded.expires_at",
		g.RepoID, g.AgentID, string(g.AccessLevel), nullableTime(g.ExpiresAt))
	return err
}

// GetGrant returns the grant for (repo, agent), or nil. Expired grants
// are deleted lazily and reported as absent.
func (s *Store) GetGrant(ctx context.Context, repoID, agentID string) (*core.Grant, error) {
	var g core.Grant
	var level string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT repo_id, agent_id, access_level, expires_at FROM "+s.T("repo_access")+" WHERE repo_id = ? AND agent_id = ?",
		repoID, agentID).Scan(&g.RepoID, &g.AgentID, &level, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.AccessLevel = core.AccessLevel(level)
	if expires.Valid {
		t := parseTime(expires.String)
		g.ExpiresAt = &t
		if time.Now().After(t) {
			_, _ = s.db.ExecContext(ctx,
				"DELETE FROM "+s.T("repo_access")+" WHERE repo_id = ? AND agent_id = ?", repoID, agentID)
			return nil, nil
		}
	}
	return &g, nil
}

// ListGrantsForAgent returns the agent's explicit grants across repos.
// Expired grants are skipped.
func (s *Store) ListGrantsForAgent(ctx context.Context, agentID string) ([]core.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT repo_id, agent_id, access_level, expires_at FROM "+s.T("repo_access")+" WHERE agent_id = ?",
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []core.Grant
	for rows.Next() {
		var g core.Grant
		var level string
		var expires sql.NullString
		if err := rows.Scan(&g.RepoID, &g.AgentID, &level, &expires); err != nil {
			return nil, err
		}
		g.AccessLevel = core.AccessLevel(level)
		if expires.Valid {
			t := parseTime(expires.String)
			g.ExpiresAt = &t
			if now.After(t) {
				continue
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RemoveGrant deletes an explicit grant.
func (s *Store) RemoveGrant(ctx context.Context, repoID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.T("repo_access")+" WHERE repo_id = ? AND agent_id = ?", repoID, agentID)
	return err
}

// --- Branch rules ---

// ReplaceBranchRules swaps the full branch rule set for a repo.
func (s *Store) ReplaceBranchRules(ctx context.Context, repoID string, rules []core.BranchRule) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.T("branch_rules")+" WHERE repo_id = ?", repoID); err != nil {
			return err
		}
		for _, r := range rules {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+s.T("branch_rules")+" (repo_id, branch_pattern, priority, direct_push, required_approvals, require_tests_pass) VALUES (?, ?, ?, ?, ?, ?)",
				repoID, r.Pattern, r.Priority, string(r.DirectPush), r.RequiredApprovals, boolToInt(r.RequireTestsPass)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddBranchRule inserts one branch rule.
func (s *Store) AddBranchRule(ctx context.Context, r core.BranchRule) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("branch_rules")+" (repo_id, branch_pattern, priority, direct_push, required_approvals, require_tests_pass) VALUES (?, ?, ?, ?, ?, ?)",
		r.RepoID, r.Pattern, r.Priority, string(r.DirectPush), r.RequiredApprovals, boolToInt(r.RequireTestsPass))
	return err
}

// ListBranchRules returns rules ordered by priority descending, so the
// first matching rule wins.
func (s *Store) ListBranchRules(ctx context.Context, repoID string) ([]core.BranchRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT repo_id, branch_pattern, priority, direct_push, required_approvals, require_tests_pass FROM "+
			s.T("branch_rules")+" WHERE repo_id = ? ORDER BY priority DESC, id", repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.BranchRule
	for rows.Next() {
		var r core.BranchRule
		var push string
		var testsPass int
		if err := rows.Scan(&r.RepoID, &r.Pattern, &r.Priority, &push, &r.RequiredApprovals, &testsPass); err != nil {
			return nil, err
		}
		r.DirectPush = core.DirectPushPolicy(push)
		r.RequireTestsPass = testsPass != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
