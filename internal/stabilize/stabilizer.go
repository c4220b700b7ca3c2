// Package stabilize runs the repo's stabilize command against the
// buffer and reacts to the verdict: green tags and optional promotion,
// red reverts of the breaking merge.
package stabilize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

const (
	// DefaultTimeout bounds one stabilize run.
	DefaultTimeout = 300 * time.Second
	// maxOutput caps the command output stored with the record.
	maxOutput = 2000
)

// reverter reverts a commit on the current branch. Satisfied by the git
// client; merge commits revert against their first parent.
type reverter interface {
	Revert(ctx context.Context, commit string, isMerge bool) error
}

// Stabilizer runs stabilization and applies the green/red consequences.
type Stabilizer struct {
	store    *store.Store
	git      core.GitAdapter
	reverter reverter
	bus      *events.Bus
	logger   *logging.Logger
	repoPath string
	timeout  time.Duration
}

// NewStabilizer creates a stabilizer. repoPath is the main working copy
// where the stabilize command executes.
func NewStabilizer(st *store.Store, git core.GitAdapter, rev reverter, bus *events.Bus, logger *logging.Logger, repoPath string) *Stabilizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Stabilizer{
		store:    st,
		git:      git,
		reverter: rev,
		bus:      bus,
		logger:   logger,
		repoPath: repoPath,
		timeout:  DefaultTimeout,
	}
}

// WithTimeout overrides the stabilize command timeout.
func (s *Stabilizer) WithTimeout(d time.Duration) *Stabilizer {
	s.timeout = d
	return s
}

// Promoter fast-forwards the release branch after a green run.
type Promoter interface {
	Promote(ctx context.Context, repoID string, trigger core.PromotionTrigger, agentID, fromRef string) (*core.Promotion, error)
}

// Run executes the repo's stabilize command on the buffer branch and
// records the outcome. A green run tags the buffer and, when
// configured, promotes; a red run reverts the newest merge.
func (s *Stabilizer) Run(ctx context.Context, repoID string, promoter Promoter) (*core.Stabilization, error) {
	repo, err := s.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if repo.StabilizeCommand == "" {
		return nil, core.ErrValidation(core.CodeBadConfig,
			"repo has no stabilize command configured")
	}

	if err := s.git.Checkout(ctx, repo.BufferBranch); err != nil {
		return nil, err
	}
	bufferCommit, err := s.git.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}

	output, runErr := s.execute(ctx, repo)

	rec := &core.Stabilization{
		RepoID:       repoID,
		BufferCommit: bufferCommit,
		Details:      output,
		At:           time.Now(),
	}

	if runErr == nil {
		rec.Result = core.StabilizationGreen
		s.onGreen(ctx, repo, rec, promoter)
	} else {
		rec.Result = core.StabilizationRed
		if rec.Details == "" {
			rec.Details = runErr.Error()
		}
		s.onRed(ctx, repo, rec)
	}

	if err := s.store.InsertStabilization(ctx, rec); err != nil {
		return nil, err
	}

	ev := events.NewStabilizationEvent(repoID, string(rec.Result), rec.Tag, bufferCommit, rec.BreakingStream)
	if rec.Result == core.StabilizationRed {
		s.bus.PublishPriority(ev)
	} else {
		s.bus.Publish(ev)
	}

	s.logger.Info("stabilization finished",
		"repo_id", repoID, "result", string(rec.Result), "buffer_commit", bufferCommit)
	return rec, nil
}

// execute runs the stabilize command through the shell with the buffer
// branch exposed in the environment.
func (s *Stabilizer) execute(ctx context.Context, repo *core.Repository) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", repo.StabilizeCommand)
	cmd.Dir = s.repoPath
	cmd.Env = append(cmd.Environ(), "GIT_BRANCH="+repo.BufferBranch)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return output, core.ErrTimeout(
			fmt.Sprintf("stabilize command exceeded %s", s.timeout))
	}
	return output, err
}

// onGreen tags the buffer and auto-promotes when configured. Tag and
// promote failures degrade the run but do not turn it red.
func (s *Stabilizer) onGreen(ctx context.Context, repo *core.Repository, rec *core.Stabilization, promoter Promoter) {
	tag := greenTag(rec.At)
	if err := s.git.Tag(ctx, tag, rec.BufferCommit); err != nil {
		s.logger.Warn("tagging green buffer failed", "tag", tag, "error", err)
	} else {
		rec.Tag = tag
	}

	if repo.AutoPromoteOnGreen && promoter != nil {
		if _, err := promoter.Promote(ctx, repo.ID, core.TriggerAuto, "", ""); err != nil {
			s.logger.Warn("auto-promotion after green failed", "repo_id", repo.ID, "error", err)
		}
	}
}

// onRed reverts the newest merge and opens a critical repair task.
func (s *Stabilizer) onRed(ctx context.Context, repo *core.Repository, rec *core.Stabilization) {
	if !repo.AutoRevertOnRed {
		return
	}

	merges, err := s.store.ListMerges(ctx, repo.ID, 1)
	if err != nil || len(merges) == 0 {
		s.logger.Warn("red stabilization with no merge to revert", "repo_id", repo.ID, "error", err)
		return
	}
	// The newest merge is the suspect whether or not the rollback
	// succeeds; the record always names it.
	suspect := merges[0]
	rec.BreakingStream = suspect.StreamID

	if err := s.reverter.Revert(ctx, suspect.MergeCommit, true); err != nil {
		s.logger.Error("reverting breaking merge failed",
			"merge_commit", suspect.MergeCommit, "error", err)
		rec.Details = strings.TrimSpace(rec.Details + "\n" + core.CodeRevertError + ": " + err.Error())
		return
	}

	st, err := s.store.GetStream(ctx, suspect.StreamID)
	if err != nil {
		s.logger.Warn("reverted stream not in store", "stream_id", suspect.StreamID, "error", err)
		return
	}
	if _, err := s.store.UpdateStreamStatus(ctx, st.ID, st.Status, core.StreamReverted, st.ReviewStatus); err != nil {
		s.logger.Warn("marking stream reverted failed", "stream_id", st.ID, "error", err)
	}

	task := &core.RepairTask{
		RepoID:   repo.ID,
		Title:    fmt.Sprintf("Fix breaking merge from stream %s", st.Branch),
		Body:     truncate(rec.Details, maxOutput),
		Priority: core.TaskPriorityCritical,
		StreamID: st.ID,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Warn("creating repair task failed", "stream_id", st.ID, "error", err)
	}
}

// greenTag builds a tag name from the run time, with characters git
// refuses replaced.
func greenTag(t time.Time) string {
	stamp := t.UTC().Format(time.RFC3339)
	stamp = strings.ReplaceAll(stamp, ":", "-")
	return "green/" + stamp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
