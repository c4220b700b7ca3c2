package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gitswarm/gitswarm/internal/core"
	gitswarmsync "github.com/gitswarm/gitswarm/internal/sync"
)

// decodeBody reads a JSON body and normalizes its keys to snake_case.
func decodeBody(r *http.Request) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return gitswarmsync.NormalizeKeys(body), nil
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]interface{}, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func boolean(m map[string]interface{}, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	case float64:
		return v != 0
	}
	return false
}

// handleRegisterRepo assigns the repo to the calling agent's personal
// org on first connect. Re-registration is idempotent.
func (s *Server) handleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	agent := agentFrom(r.Context())

	repoID := str(body, "repo_id")
	repo, err := s.store.GetRepo(r.Context(), repoID)
	if core.IsCode(err, core.CodeRepoNotFound) {
		repo = &core.Repository{
			ID:   repoID,
			Name: str(body, "name"),
		}
		if err := s.store.CreateRepo(r.Context(), repo); err != nil {
			s.writeDomainError(w, err)
			return
		}
		if err := s.store.AddMaintainer(r.Context(), repo.ID, agent.ID, core.RoleOwner); err != nil {
			s.writeDomainError(w, err)
			return
		}
	} else if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"repo_id": repo.ID,
		"org":     agent.Name,
	})
}

// handleRepoConfig serves the server-owned repo fields.
func (s *Server) handleRepoConfig(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	repo, err := s.store.GetRepo(r.Context(), repoID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"repo_id":             repo.ID,
		"merge_mode":          string(repo.MergeMode),
		"consensus_threshold": repo.ConsensusThreshold,
		"min_reviews":         repo.MinReviews,
		"human_review_weight": repo.HumanReviewWeight,
		"consensus_authority": string(repo.ConsensusAuthority),
		"stage":               string(repo.Stage),
	})
}

// handleCheckConsensus is the server-authoritative consensus verdict.
func (s *Server) handleCheckConsensus(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.policy.CheckConsensus(r.Context(), str(body, "stream_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reached": res.Reached,
		"reason":  res.Reason,
		"metrics": res.Metrics,
	})
}

// handleRequestMerge approves or declines a gated merge: the requester
// must be a maintainer or consensus must already hold.
func (s *Server) handleRequestMerge(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	repoID := str(body, "repo_id")
	streamID := str(body, "stream_id")
	agentID := str(body, "agent_id")
	if agentID == "" {
		agentID = agentFrom(r.Context()).ID
	}

	isMaint, err := s.policy.IsMaintainer(r.Context(), repoID, agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.policy.CheckConsensus(r.Context(), streamID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	approved := res.Reached || isMaint
	reason := res.Reason
	if !res.Reached && isMaint {
		reason = "maintainer_override"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"approved": approved,
		"reason":   reason,
	})
}

// syncHandler builds the handler for one event-type endpoint. A
// duplicate event answers 409 so clients can treat it as delivered.
func (s *Server) syncHandler(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		status, err := s.applyEvent(r, eventType, body)
		switch {
		case err != nil:
			s.writeDomainError(w, err)
		case status == "duplicate":
			s.writeJSON(w, http.StatusConflict, map[string]string{"status": "duplicate"})
		default:
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}
}

// applyEvent is the fixed event-type dispatch switch. Unknown types are
// validation errors.
func (s *Server) applyEvent(r *http.Request, eventType string, data map[string]interface{}) (string, error) {
	ctx := r.Context()
	switch eventType {
	case "stream_created":
		streamID := str(data, "stream_id")
		if existing, err := s.store.GetStream(ctx, streamID); err == nil && existing != nil {
			return "duplicate", nil
		}
		return "ok", s.store.UpsertStream(ctx, &core.Stream{
			ID:           streamID,
			RepoID:       str(data, "repo_id"),
			OwnerID:      str(data, "agent_id"),
			Branch:       str(data, "branch"),
			BaseBranch:   str(data, "base_branch"),
			ParentStream: str(data, "parent_stream"),
			Task:         str(data, "task"),
			Source:       core.SourceAPI,
			Status:       core.StreamActive,
			ReviewStatus: core.ReviewNone,
		})

	case "commit":
		streamID := str(data, "stream_id")
		commit := str(data, "commit")
		existing, err := s.store.ListStreamCommits(ctx, streamID)
		if err != nil {
			return "", err
		}
		for _, c := range existing {
			if c.CommitHash == commit {
				return "duplicate", nil
			}
		}
		return "ok", s.store.AppendStreamCommit(ctx, core.StreamCommit{
			StreamID:   streamID,
			AgentID:    str(data, "agent_id"),
			CommitHash: commit,
			ChangeID:   str(data, "change_id"),
			Message:    str(data, "message"),
		})

	case "submit_for_review":
		streamID := str(data, "stream_id")
		st, err := s.store.GetStream(ctx, streamID)
		if err != nil {
			return "", err
		}
		if st.Status == core.StreamInReview {
			return "duplicate", nil
		}
		ok, err := s.store.UpdateStreamStatus(ctx, streamID, st.Status, core.StreamInReview, core.ReviewInReview)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", core.ErrConcurrency(core.CodeConcurrentMerge, "stream changed status during sync")
		}
		return "ok", nil

	case "review", "submit_review":
		verdict, ok := core.NormalizeVerdict(str(data, "verdict"))
		if !ok {
			return "", core.ErrValidation(core.CodeInvalidVerdict, "unknown verdict")
		}
		return "ok", s.store.UpsertReview(ctx, core.Review{
			StreamID:   str(data, "stream_id"),
			ReviewerID: str(data, "reviewer_id"),
			Verdict:    verdict,
			Feedback:   str(data, "feedback"),
			IsHuman:    boolean(data, "is_human"),
			Tested:     boolean(data, "tested"),
			ReviewedAt: time.Now(),
		})

	case "merge_completed":
		streamID := str(data, "stream_id")
		st, err := s.store.GetStream(ctx, streamID)
		if err != nil {
			return "", err
		}
		merges, err := s.store.ListMerges(ctx, st.RepoID, 0)
		if err != nil {
			return "", err
		}
		for _, m := range merges {
			if m.StreamID == streamID {
				return "duplicate", nil
			}
		}
		rec := &core.MergeRecord{
			RepoID:       st.RepoID,
			StreamID:     streamID,
			AgentID:      str(data, "agent_id"),
			MergeCommit:  str(data, "merge_commit"),
			TargetBranch: str(data, "target_branch"),
		}
		err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.store.UpdateStreamStatusTx(ctx, tx, streamID, st.Status, core.StreamMerged, core.ReviewApproved); err != nil {
				return err
			}
			return s.store.InsertMergeTx(ctx, tx, rec)
		})
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return "duplicate", nil
			}
			return "", err
		}
		return "ok", s.store.RefreshRepoCounters(ctx, st.RepoID)

	case "stream_abandoned":
		streamID := str(data, "stream_id")
		st, err := s.store.GetStream(ctx, streamID)
		if err != nil {
			return "", err
		}
		if st.Status == core.StreamAbandoned {
			return "duplicate", nil
		}
		if st.Status.Terminal() {
			return "", core.ErrState(core.CodeInvalidTransition, "stream already terminal")
		}
		_, err = s.store.UpdateStreamStatus(ctx, streamID, st.Status, core.StreamAbandoned, st.ReviewStatus)
		return "ok", err

	case "stabilization":
		return "ok", s.store.InsertStabilization(ctx, &core.Stabilization{
			RepoID:         str(data, "repo_id"),
			Result:         core.StabilizationResult(str(data, "result")),
			Tag:            str(data, "tag"),
			BufferCommit:   str(data, "buffer_commit"),
			BreakingStream: str(data, "breaking_stream"),
			Details:        str(data, "details"),
		})

	case "promotion":
		return "ok", s.store.InsertPromotion(ctx, &core.Promotion{
			RepoID:      str(data, "repo_id"),
			FromBranch:  str(data, "from_branch"),
			ToBranch:    str(data, "to_branch"),
			FromCommit:  str(data, "from_commit"),
			ToCommit:    str(data, "to_commit"),
			TriggeredBy: core.PromotionTrigger(str(data, "triggered_by")),
			AgentID:     str(data, "agent_id"),
		})

	case "merge_requested", "council_proposal", "council_vote", "stage_progression", "task_submission":
		meta, _ := json.Marshal(data)
		return "ok", s.store.LogActivity(ctx, core.Activity{
			RepoID:   str(data, "repo_id"),
			AgentID:  str(data, "agent_id"),
			Kind:     eventType,
			Message:  eventType + " received",
			Metadata: meta,
		})

	default:
		return "", core.ErrValidation(core.CodeBadConfig, "unknown event type "+eventType)
	}
}

// handleBatch replays queued events in order, stopping at the first
// failure so ordering is preserved. Entries after the failure get no
// result and stay queued client-side.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rawEvents, _ := body["events"].([]interface{})
	results := make([]map[string]interface{}, 0, len(rawEvents))
	for _, raw := range rawEvents {
		ev, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		seq := int64(num(ev, "seq"))
		eventType := str(ev, "event_type")
		data, _ := ev["data"].(map[string]interface{})

		status, err := s.applyEvent(r, eventType, data)
		if err != nil {
			results = append(results, map[string]interface{}{
				"seq": seq, "status": "error", "error": err.Error(),
			})
			break
		}
		results = append(results, map[string]interface{}{"seq": seq, "status": status})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handlePoll returns changes the agent has not seen: reviews, grants,
// tasks and the current repo config.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	since := time.Time{}
	if raw := str(body, "since"); raw != "" {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			since = t
		}
	}
	agentID := str(body, "agent_id")
	if agentID == "" {
		agentID = agentFrom(r.Context()).ID
	}

	reviews, err := s.store.ListReviewsSince(r.Context(), since)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	reviewRows := make([]map[string]interface{}, 0, len(reviews))
	for _, rv := range reviews {
		reviewRows = append(reviewRows, map[string]interface{}{
			"stream_id":   rv.StreamID,
			"reviewer_id": rv.ReviewerID,
			"verdict":     string(rv.Verdict),
			"feedback":    rv.Feedback,
			"is_human":    rv.IsHuman,
			"tested":      rv.Tested,
		})
	}

	grants, err := s.store.ListGrantsForAgent(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	grantRows := make([]map[string]interface{}, 0, len(grants))
	for _, g := range grants {
		row := map[string]interface{}{
			"repo_id":      g.RepoID,
			"agent_id":     g.AgentID,
			"access_level": string(g.AccessLevel),
		}
		if g.ExpiresAt != nil {
			row["expires_at"] = g.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		grantRows = append(grantRows, row)
	}

	var config map[string]interface{}
	taskRows := make([]map[string]interface{}, 0)
	if repo, err := s.store.GetDefaultRepo(r.Context()); err == nil {
		config = map[string]interface{}{
			"repo_id":             repo.ID,
			"merge_mode":          string(repo.MergeMode),
			"consensus_threshold": repo.ConsensusThreshold,
			"min_reviews":         repo.MinReviews,
			"human_review_weight": repo.HumanReviewWeight,
		}
		tasks, terr := s.store.ListTasks(r.Context(), repo.ID, 0)
		if terr == nil {
			for _, t := range tasks {
				if !t.CreatedAt.After(since) {
					continue
				}
				taskRows = append(taskRows, map[string]interface{}{
					"repo_id":   t.RepoID,
					"title":     t.Title,
					"body":      t.Body,
					"priority":  string(t.Priority),
					"stream_id": t.StreamID,
				})
			}
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": reviewRows,
		"grants":  grantRows,
		"tasks":   taskRows,
		"config":  config,
		"now":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}
