package sync

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Poller pulls server-side changes: review arrivals, access grants,
// config updates and task assignments. Polling-based catch-up; there is
// no push channel.
type Poller struct {
	store  *store.Store
	client *Client
	logger *logging.Logger
}

// NewPoller creates a poller.
func NewPoller(st *store.Store, client *Client, logger *logging.Logger) *Poller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Poller{store: st, client: client, logger: logger}
}

// PollReport summarizes what one poll applied.
type PollReport struct {
	Reviews int
	Grants  int
	Tasks   int
	Config  bool
}

// Poll fetches updates since the watermark and applies them locally.
func (p *Poller) Poll(ctx context.Context, since time.Time, agentID string) (*PollReport, error) {
	if p.client == nil {
		return nil, core.ErrNetwork(core.CodeServerUnavailable, "not connected to a coordinator")
	}

	resp, err := p.client.PollUpdates(ctx, since, agentID)
	if err != nil {
		return nil, err
	}

	report := &PollReport{}
	p.applyReviews(ctx, resp, report)
	p.applyGrants(ctx, resp, report)
	p.applyConfig(ctx, resp, report)
	p.applyTasks(ctx, resp, report)
	return report, nil
}

func (p *Poller) applyReviews(ctx context.Context, resp map[string]interface{}, report *PollReport) {
	items, _ := resp["reviews"].([]interface{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		verdict, ok := core.NormalizeVerdict(asString(m["verdict"]))
		if !ok {
			p.logger.Warn("poll delivered unknown verdict", "verdict", m["verdict"])
			continue
		}
		review := core.Review{
			StreamID:   asString(m["stream_id"]),
			ReviewerID: asString(m["reviewer_id"]),
			Verdict:    verdict,
			Feedback:   asString(m["feedback"]),
			IsHuman:    asBool(m["is_human"]),
			Tested:     asBool(m["tested"]),
			ReviewedAt: time.Now(),
		}
		if review.StreamID == "" || review.ReviewerID == "" {
			continue
		}
		if err := p.store.UpsertReview(ctx, review); err != nil {

			p.logger.Warn("applying polled review failed", "stream_id", review.StreamID, "error", err)
			continue
		}
		report.Reviews++
	}
}

func (p *Poller) applyGrants(ctx context.Context, resp map[string]interface{}, report *PollReport) {
	items, _ := resp["grants"].([]interface{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		grant := core.Grant{
			RepoID:      asString(m["repo_id"]),
			AgentID:     asString(m["agent_id"]),
			AccessLevel: core.AccessLevel(asString(m["access_level"])),
		}
		if exp := asString(m["expires_at"]); exp != "" {
			if t, err := time.Parse(time.RFC3339Nano, exp); err == nil {
				grant.ExpiresAt = &t
			}
		}
		if grant.RepoID == "" || grant.AgentID == "" {
			continue
		}
		if err := p.store.UpsertGrant(ctx, grant); err != nil {
			p.logger.Warn("applying polled grant failed", "agent_id", grant.AgentID, "error", err)
			continue
		}
		report.Grants++
	}
}

// applyConfig merges server-owned repo fields into the local record.
func (p *Poller) applyConfig(ctx context.Context, resp map[string]interface{}, report *PollReport) {
	cfg, ok := resp["config"].(map[string]interface{})
	if !ok || len(cfg) == 0 {
		return
	}
	repoID := asString(cfg["repo_id"])
	if repoID == "" {
		return
	}
	repo, err := p.store.GetRepo(ctx, repoID)
	if err != nil {
		p.logger.Warn("polled config for unknown repo", "repo_id", repoID, "error", err)
		return
	}

	if v, ok := cfg["consensus_threshold"]; ok {
		repo.ConsensusThreshold = asFloat(v)
	}
	if v, ok := cfg["min_reviews"]; ok {
		repo.MinReviews = int(asFloat(v))
	}
	if v, ok := cfg["merge_mode"]; ok {
		repo.MergeMode = core.MergeMode(asString(v))
	}
	if v, ok := cfg["human_review_weight"]; ok {
		repo.HumanReviewWeight = asFloat(v)
	}
	if err := p.store.UpdateRepo(ctx, repo); err != nil {
		p.logger.Warn("applying polled config failed", "repo_id", repoID, "error", err)
		return
	}
	report.Config = true
}

func (p *Poller) applyTasks(ctx context.Context, resp map[string]interface{}, report *PollReport) {
	items, _ := resp["tasks"].([]interface{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		task := &core.RepairTask{
			RepoID:   asString(m["repo_id"]),
			Title:    asString(m["title"]),
			Body:     asString(m["body"]),
			Priority: core.TaskPriority(asString(m["priority"])),
			StreamID: asString(m["stream_id"]),
		}
		if task.RepoID == "" || task.Title == "" {
			continue
		}
		if task.Priority == "" {
			task.Priority = core.TaskPriorityNormal
		}
		if err := p.store.CreateTask(ctx, task); err != nil {
			p.logger.Warn("applying polled task failed", "title", task.Title, "error", err)
			continue
		}
		report.Tasks++
	}
}
