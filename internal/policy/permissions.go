// Package policy implements permission resolution, branch protection and
// consensus evaluation for merges.
package policy

import (
	"context"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Engine evaluates permissions and consensus against the policy tables.
type Engine struct {
	store  *store.Store
	logger *logging.Logger
}

// NewEngine creates a policy engine.
func NewEngine(st *store.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{store: st, logger: logger}
}

// Permissions is the result of permission resolution.
type Permissions struct {
	Level       core.AccessLevel
	Source      string // grant, owner, maintainer, public, karma_threshold, allowlist, default
	Diagnostics map[string]interface{}
}

// ResolvePermissions determines the access level of an agent on a repo.
// Resolution order, short-circuiting: explicit grant, maintainer role,
// repo access mode.
func (e *Engine) ResolvePermissions(ctx context.Context, agentID, repoID string) (*Permissions, error) {
	repo, err := e.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// Explicit grant wins; expired grants are lazily deleted by GetGrant.
	grant, err := e.store.GetGrant(ctx, repoID, agentID)
	if err != nil {
		return nil, err
	}
	if grant != nil {
		return &Permissions{
			Level:  grant.AccessLevel,
			Source: "grant",
			Diagnostics: map[string]interface{}{
				"expires_at": grant.ExpiresAt,
			},
		}, nil
	}

	maintainer, err := e.store.GetMaintainer(ctx, repoID, agentID)
	if err != nil {
		return nil, err
	}
	if maintainer != nil {
		level := core.AccessMaintain
		source := "maintainer"
		if maintainer.Role == core.RoleOwner {
			level = core.AccessAdmin
			source = "owner"
		}
		return &Permissions{Level: level, Source: source}, nil
	}

	fallback := core.AccessRead
	if repo.Private {
		fallback = core.AccessNone
	}

	switch repo.AccessMode {
	case core.AccessModePublic:
		return &Permissions{Level: core.AccessWrite, Source: "public"}, nil
	case core.AccessModeKarmaThreshold:
		if agent.Karma >= repo.MinKarma {
			return &Permissions{
				Level:  core.AccessWrite,
				Source: "karma_threshold",
				Diagnostics: map[string]interface{}{
					"karma":     agent.Karma,
					"min_karma": repo.MinKarma,
				},
			}, nil
		}
		return &Permissions{Level: fallback, Source: "karma_threshold"}, nil
	case core.AccessModeAllowlist:
		return &Permissions{Level: core.AccessNone, Source: "allowlist"}, nil
	default:
		return &Permissions{Level: fallback, Source: "default"}, nil
	}
}

// CanPerform checks whether the agent may perform the action on the
// repo. Returns a permission error naming the missing level on denial.
func (e *Engine) CanPerform(ctx context.Context, agentID, repoID string, action core.Action) error {
	perms, err := e.ResolvePermissions(ctx, agentID, repoID)
	if err != nil {
		return err
	}
	min := core.MinLevelFor(action)
	if !perms.Level.AtLeast(min) {
		return core.ErrPermission(core.CodeInsufficientPermissions,
			fmt.Sprintf("action %s requires %s access, agent has %s (via %s)", action, min, perms.Level, perms.Source)).
			WithDetail("agent_id", agentID).
			WithDetail("repo_id", repoID)
	}
	return nil
}

// IsMaintainer reports whether the agent holds a maintainer or owner
// role on the repo.
func (e *Engine) IsMaintainer(ctx context.Context, repoID, agentID string) (bool, error) {
	m, err := e.store.GetMaintainer(ctx, repoID, agentID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// CanPushToBranch evaluates branch rules for a direct push. Rules are
// walked in priority-descending order; the first pattern match decides.
// With no matching rule the agent's write access governs.
func (e *Engine) CanPushToBranch(ctx context.Context, agentID, repoID, branch string) error {
	perms, err := e.ResolvePermissions(ctx, agentID, repoID)
	if err != nil {
		return err
	}

	rules, err := e.store.ListBranchRules(ctx, repoID)
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if !MatchesBranchPattern(branch, rule.Pattern) {
			continue
		}
		switch rule.DirectPush {
		case core.DirectPushAll:
			if perms.Level.AtLeast(core.AccessWrite) {
				return nil
			}
			return core.ErrPermission(core.CodeInsufficientPermissions,
				fmt.Sprintf("pushing to %s requires write access", branch))
		case core.DirectPushMaintainers:
			if perms.Level.AtLeast(core.AccessMaintain) {
				return nil
			}
			return core.ErrPermission(core.CodeMaintainersOnly,
				fmt.Sprintf("branch %s accepts direct pushes from maintainers only", branch)).
				WithDetail("pattern", rule.Pattern)
		default: // none
			return core.ErrPermission(core.CodeBranchProtected,
				fmt.Sprintf("branch %s is protected, no direct pushes", branch)).
				WithDetail("pattern", rule.Pattern)
		}
	}

	if perms.Level.AtLeast(core.AccessWrite) {
		return nil
	}
	return core.ErrPermission(core.CodeInsufficientPermissions,
		fmt.Sprintf("pushing to %s requires write access", branch))
}
