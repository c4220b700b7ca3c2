package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/internal/core"
)

// streamMeta is the driver's on-disk record of streams, worktree
// assignments and the operation log. Git itself is authoritative for
// branch contents; this file carries the metadata git has no place for.
type streamMeta struct {
	Streams    map[string]*core.GitStream   `json:"streams"`
	Worktrees  map[string]*core.GitWorktree `json:"worktrees"`
	Operations []core.GitOperation          `json:"operations"`
}

// Adapter implements core.GitAdapter over the git CLI.
type Adapter struct {
	client    *Client
	worktrees *WorktreeManager
	metaPath  string

	mu   sync.Mutex
	meta *streamMeta
}

// NewAdapter creates the adapter. dataDir is the gitswarm data
// directory; stream metadata lives in streams.json there.
func NewAdapter(client *Client, dataDir string) (*Adapter, error) {
	a := &Adapter{
		client:    client,
		worktrees: NewWorktreeManager(client, filepath.Join(dataDir, ".worktrees")),
		metaPath:  filepath.Join(dataDir, "streams.json"),
	}
	if err := a.loadMeta(); err != nil {
		return nil, err
	}
	return a, nil
}

// Client exposes the underlying git client for raw operations.
func (a *Adapter) Client() *Client {
	return a.client
}

// Capabilities reports the optional operations this driver supports.
func (a *Adapter) Capabilities() core.GitCapabilities {
	return core.GitCapabilities{
		OperationLog: true,
		ChangeIDs:    true,
		Worktrees:    true,
	}
}

func (a *Adapter) loadMeta() error {
	a.meta = &streamMeta{
		Streams:   make(map[string]*core.GitStream),
		Worktrees: make(map[string]*core.GitWorktree),
	}
	data, err := os.ReadFile(a.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading stream metadata: %w", err)
	}
	if err := json.Unmarshal(data, a.meta); err != nil {
		return fmt.Errorf("parsing stream metadata: %w", err)
	}
	if a.meta.Streams == nil {
		a.meta.Streams = make(map[string]*core.GitStream)
	}
	if a.meta.Worktrees == nil {
		a.meta.Worktrees = make(map[string]*core.GitWorktree)
	}
	return nil
}

// saveMeta writes the metadata file atomically. Callers hold a.mu.
func (a *Adapter) saveMeta() error {
	data, err := json.MarshalIndent(a.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stream metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.metaPath), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(a.metaPath, data, 0o644)
}

// CreateStream creates a branch for a new stream and records it.
func (a *Adapter) CreateStream(ctx context.Context, opts core.CreateStreamOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.NewString()
	branch := streamBranchName(opts.Name, id)

	if err := a.client.CreateBranch(ctx, branch, opts.Base); err != nil {
		return "", fmt.Errorf("creating stream branch: %w", err)
	}

	a.meta.Streams[id] = &core.GitStream{
		ID:        id,
		Branch:    branch,
		AgentID:   opts.AgentID,
		Base:      opts.Base,
		CreatedAt: time.Now(),
	}
	if err := a.saveMeta(); err != nil {
		return "", err
	}
	return id, nil
}

// ForkStream creates a child stream branching from the parent's branch.
func (a *Adapter) ForkStream(ctx context.Context, parentStreamID, agentID, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent, ok := a.meta.Streams[parentStreamID]
	if !ok {
		return "", core.ErrNotFound(core.CodeStreamNotFound, "stream", parentStreamID)
	}

	id := uuid.NewString()
	branch := streamBranchName(name, id)
	if err := a.client.CreateBranch(ctx, branch, parent.Branch); err != nil {
		return "", fmt.Errorf("forking stream branch: %w", err)
	}

	a.meta.Streams[id] = &core.GitStream{
		ID:        id,
		Branch:    branch,
		AgentID:   agentID,
		Base:      parent.Branch,
		ParentID:  parentStreamID,
		CreatedAt: time.Now(),
	}
	if err := a.saveMeta(); err != nil {
		return "", err
	}
	return id, nil
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

func streamBranchName(name, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	if name == "" {
		return "swarm/" + short
	}
	cleaned := unsafeBranchChars.ReplaceAllString(strings.ToLower(name), "-")
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		return "swarm/" + short
	}
	return "swarm/" + cleaned + "-" + short
}

// GetStreamBranchName resolves the branch of a stream.
func (a *Adapter) GetStreamBranchName(_ context.Context, streamID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.meta.Streams[streamID]
	if !ok {
		return "", core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}
	return st.Branch, nil
}

// GetStream returns the driver's stream record.
func (a *Adapter) GetStream(_ context.Context, streamID string) (*core.GitStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.meta.Streams[streamID]
	if !ok {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}
	cp := *st
	return &cp, nil
}

// ListStreams returns all driver stream records.
func (a *Adapter) ListStreams(_ context.Context) ([]core.GitStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.GitStream, 0, len(a.meta.Streams))
	for _, st := range a.meta.Streams {
		out = append(out, *st)
	}
	return out, nil
}

// AbandonStream drops the stream branch and record. The worktree, if
// assigned to this stream, is left for reassignment.
func (a *Adapter) AbandonStream(ctx context.Context, streamID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.meta.Streams[streamID]
	if !ok {
		return core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}

	// The branch may be checked out in the owner's worktree; detach it
	// first so the branch can be deleted.
	if wt, ok := a.meta.Worktrees[st.AgentID]; ok && wt.StreamID == streamID {
		_, _ = a.client.runIn(ctx, wt.Path, "checkout", "--detach")
		wt.StreamID = ""
	}
	if err := a.client.DeleteBranch(ctx, st.Branch); err != nil {
		return err
	}

	delete(a.meta.Streams, streamID)
	return a.saveMeta()
}

// CreateWorktree allocates the agent's worktree checked out to the
// stream's branch.
func (a *Adapter) CreateWorktree(ctx context.Context, agentID, streamID string) (*core.GitWorktree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.meta.Streams[streamID]
	if !ok {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}

	path, err := a.worktrees.Create(ctx, agentID, st.Branch)
	if err != nil {
		return nil, err
	}

	wt := &core.GitWorktree{
		AgentID:   agentID,
		Path:      path,
		StreamID:  streamID,
		CreatedAt: time.Now(),
	}
	a.meta.Worktrees[agentID] = wt
	if err := a.saveMeta(); err != nil {
		return nil, err
	}
	cp := *wt
	return &cp, nil
}

// GetWorktree returns the agent's worktree assignment, if any.
func (a *Adapter) GetWorktree(_ context.Context, agentID string) (*core.GitWorktree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wt, ok := a.meta.Worktrees[agentID]
	if !ok {
		return nil, nil
	}
	cp := *wt
	return &cp, nil
}

// UpdateWorktreeStream switches the agent's worktree to another stream
// atomically.
func (a *Adapter) UpdateWorktreeStream(ctx context.Context, agentID, streamID string) (*core.GitWorktree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.meta.Streams[streamID]
	if !ok {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}
	wt, ok := a.meta.Worktrees[agentID]
	if !ok {
		return nil, core.ErrNotFound("worktree_not_found", "worktree", agentID)
	}

	if err := a.worktrees.Switch(ctx, agentID, st.Branch); err != nil {
		return nil, err
	}
	wt.StreamID = streamID
	if err := a.saveMeta(); err != nil {
		return nil, err
	}
	cp := *wt
	return &cp, nil
}

// DeallocateWorktree removes the agent's worktree.
func (a *Adapter) DeallocateWorktree(ctx context.Context, agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.meta.Worktrees[agentID]; !ok {
		return nil
	}
	if err := a.worktrees.Remove(ctx, agentID); err != nil {
		return err
	}
	delete(a.meta.Worktrees, agentID)
	return a.saveMeta()
}

// ListWorktrees returns all worktree assignments.
func (a *Adapter) ListWorktrees(_ context.Context) ([]core.GitWorktree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.GitWorktree, 0, len(a.meta.Worktrees))
	for _, wt := range a.meta.Worktrees {
		out = append(out, *wt)
	}
	return out, nil
}

// changeIDTrailer matches a Change-Id trailer in a commit message.
var changeIDTrailer = regexp.MustCompile(`(?m)^Change-Id: (I[0-9a-f]{40})\s*$`)

// CommitChanges stages and commits everything in the worktree. A
// Change-Id trailer is appended so the identifier survives rebases and
// amends.
func (a *Adapter) CommitChanges(ctx context.Context, streamID, agentID, worktree, message string) (*core.CommitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.meta.Streams[streamID]; !ok {
		return nil, core.ErrNotFound(core.CodeStreamNotFound, "stream", streamID)
	}

	changeID := ""
	if m := changeIDTrailer.FindStringSubmatch(message); m != nil {
		changeID = m[1]
	} else {
		changeID = newChangeID()
		message = strings.TrimRight(message, "\n") + "\n\nChange-Id: " + changeID + "\n"
	}

	if _, err := a.client.runIn(ctx, worktree, "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging changes: %w", err)
	}
	if _, err := a.client.runIn(ctx, worktree, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	commit, err := a.client.runIn(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	a.meta.Operations = append(a.meta.Operations, core.GitOperation{
		ID:       uuid.NewString(),
		Kind:     "commit",
		StreamID: streamID,
		Commit:   commit,
		At:       time.Now(),
	})
	if err := a.saveMeta(); err != nil {
		return nil, err
	}

	return &core.CommitResult{Commit: commit, ChangeID: changeID}, nil
}

func newChangeID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return "I" + hex.EncodeToString(sum[:20])
}

// RecordOperation appends a non-commit operation (merge, revert) to the
// driver's log.
func (a *Adapter) RecordOperation(kind, streamID, commit string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.meta.Operations = append(a.meta.Operations, core.GitOperation{
		ID:       uuid.NewString(),
		Kind:     kind,
		StreamID: streamID,
		Commit:   commit,
		At:       time.Now(),
	})
	return a.saveMeta()
}

// GetChangesForStream returns the commit operations of a stream.
func (a *Adapter) GetChangesForStream(_ context.Context, streamID string) ([]core.GitOperation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []core.GitOperation
	for _, op := range a.meta.Operations {
		if op.StreamID == streamID && op.Kind == "commit" {
			out = append(out, op)
		}
	}
	return out, nil
}

// GetOperations returns the full operation log in append order.
func (a *Adapter) GetOperations(_ context.Context) ([]core.GitOperation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.GitOperation, len(a.meta.Operations))
	copy(out, a.meta.Operations)
	return out, nil
}

// GetChildStreams returns streams forked from the given stream.
func (a *Adapter) GetChildStreams(_ context.Context, streamID string) ([]core.GitStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []core.GitStream
	for _, st := range a.meta.Streams {
		if st.ParentID == streamID {
			out = append(out, *st)
		}
	}
	return out, nil
}

// RollbackToOperation reverts the commit of an operation on the current
// branch of the main working copy.
func (a *Adapter) RollbackToOperation(ctx context.Context, operationID, streamID, _, _ string) error {
	a.mu.Lock()
	var target *core.GitOperation
	for i := range a.meta.Operations {
		if a.meta.Operations[i].ID == operationID {
			target = &a.meta.Operations[i]
			break
		}
	}
	a.mu.Unlock()

	if target == nil {
		return core.ErrNotFound("operation_not_found", "operation", operationID)
	}

	if err := a.client.Revert(ctx, target.Commit, target.Kind == "merge"); err != nil {
		return err
	}
	return a.RecordOperation("revert", streamID, target.Commit)
}

// Raw passthroughs satisfying core.GitAdapter.

func (a *Adapter) Checkout(ctx context.Context, ref string) error { return a.client.Checkout(ctx, ref) }

func (a *Adapter) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	return a.client.MergeNoFF(ctx, branch, message)
}

func (a *Adapter) MergeFFOnly(ctx context.Context, ref string) error {
	return a.client.MergeFFOnly(ctx, ref)
}

func (a *Adapter) MergeAbort(ctx context.Context) error { return a.client.MergeAbort(ctx) }

func (a *Adapter) RevParse(ctx context.Context, ref string) (string, error) {
	return a.client.RevParse(ctx, ref)
}

func (a *Adapter) Tag(ctx context.Context, name, ref string) error {
	return a.client.Tag(ctx, name, ref)
}

func (a *Adapter) BranchExists(ctx context.Context, name string) (bool, error) {
	return a.client.BranchExists(ctx, name)
}

func (a *Adapter) CreateBranch(ctx context.Context, name, from string) error {
	return a.client.CreateBranch(ctx, name, from)
}
