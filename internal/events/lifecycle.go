package events

// Trigger names for lifecycle events. These are the points the plugin
// runner fires on and the sync dispatcher forwards to the coordinator.
const (
	TypeStreamCreated       = "stream_created"
	TypeCommit              = "commit"
	TypeSubmitForReview     = "submit_for_review"
	TypeReviewSubmitted     = "review_submitted"
	TypeStreamMerged        = "stream_merged"
	TypeStreamAbandoned     = "stream_abandoned"
	TypeStabilizationPassed = "stabilization_passed"
	TypeStabilizationFailed = "stabilization_failed"
	TypeConsensusReached    = "consensus_reached"
	TypeConsensusBlocked    = "consensus_blocked"
	TypePromote             = "promote"
)

// StreamCreatedEvent is emitted when a workspace allocates a new stream.
type StreamCreatedEvent struct {
	BaseEvent
	AgentID string `json:"agent_id"`
	Branch  string `json:"branch"`
	Base    string `json:"base_branch"`
	Parent  string `json:"parent_stream,omitempty"`
	Task    string `json:"task,omitempty"`
}

// NewStreamCreatedEvent creates a stream created event.
func NewStreamCreatedEvent(repoID, streamID, agentID, branch, base, parent, task string) StreamCreatedEvent {
	return StreamCreatedEvent{
		BaseEvent: NewBaseEvent(TypeStreamCreated, repoID, streamID),
		AgentID:   agentID,
		Branch:    branch,
		Base:      base,
		Parent:    parent,
		Task:      task,
	}
}

// CommitEvent is emitted after a commit lands on a stream.
type CommitEvent struct {
	BaseEvent
	AgentID  string `json:"agent_id"`
	Commit   string `json:"commit"`
	ChangeID string `json:"change_id,omitempty"`
	Message  string `json:"message"`
}

// NewCommitEvent creates a commit event.
func NewCommitEvent(repoID, streamID, agentID, commit, changeID, message string) CommitEvent {
	return CommitEvent{
		BaseEvent: NewBaseEvent(TypeCommit, repoID, streamID),
		AgentID:   agentID,
		Commit:    commit,
		ChangeID:  changeID,
		Message:   message,
	}
}

// StreamSubmittedEvent is emitted when a stream moves into review. The
// coordinator needs it before it can evaluate consensus for the stream.
type StreamSubmittedEvent struct {
	BaseEvent
	AgentID string `json:"agent_id"`
	Branch  string `json:"branch"`
}

// NewStreamSubmittedEvent creates a submit-for-review event.
func NewStreamSubmittedEvent(repoID, streamID, agentID, branch string) StreamSubmittedEvent {
	return StreamSubmittedEvent{
		BaseEvent: NewBaseEvent(TypeSubmitForReview, repoID, streamID),
		AgentID:   agentID,
		Branch:    branch,
	}
}

// ReviewSubmittedEvent is emitted when a review verdict is recorded.
type ReviewSubmittedEvent struct {
	BaseEvent
	ReviewerID string `json:"reviewer_id"`
	Verdict    string `json:"verdict"`
	IsHuman    bool   `json:"is_human"`
}

// NewReviewSubmittedEvent creates a review submitted event.
func NewReviewSubmittedEvent(repoID, streamID, reviewerID, verdict string, isHuman bool) ReviewSubmittedEvent {
	return ReviewSubmittedEvent{
		BaseEvent:  NewBaseEvent(TypeReviewSubmitted, repoID, streamID),
		ReviewerID: reviewerID,
		Verdict:    verdict,
		IsHuman:    isHuman,
	}
}

// StreamMergedEvent is emitted once per stream after a successful buffer
// merge. This is a PRIORITY event.
type StreamMergedEvent struct {
	BaseEvent
	AgentID      string `json:"agent_id"`
	MergeCommit  string `json:"merge_commit"`
	TargetBranch string `json:"target_branch"`
}

// NewStreamMergedEvent creates a stream merged event.
func NewStreamMergedEvent(repoID, streamID, agentID, mergeCommit, target string) StreamMergedEvent {
	return StreamMergedEvent{
		BaseEvent:    NewBaseEvent(TypeStreamMerged, repoID, streamID),
		AgentID:      agentID,
		MergeCommit:  mergeCommit,
		TargetBranch: target,
	}
}

// StreamAbandonedEvent is emitted when a stream is abandoned.
type StreamAbandonedEvent struct {
	BaseEvent
	AgentID string `json:"agent_id"`
}

// NewStreamAbandonedEvent creates a stream abandoned event.
func NewStreamAbandonedEvent(repoID, streamID, agentID string) StreamAbandonedEvent {
	return StreamAbandonedEvent{
		BaseEvent: NewBaseEvent(TypeStreamAbandoned, repoID, streamID),
		AgentID:   agentID,
	}
}

// StabilizationEvent is emitted after a stabilize run, green or red.
type StabilizationEvent struct {
	BaseEvent
	Result         string `json:"result"`
	Tag            string `json:"tag,omitempty"`
	BufferCommit   string `json:"buffer_commit"`
	BreakingStream string `json:"breaking_stream,omitempty"`
}

// NewStabilizationEvent creates a stabilization event. Red results are
// PRIORITY events.
func NewStabilizationEvent(repoID, result, tag, bufferCommit, breakingStream string) StabilizationEvent {
	eventType := TypeStabilizationPassed
	if result == "red" {
		eventType = TypeStabilizationFailed
	}
	return StabilizationEvent{
		BaseEvent:      NewBaseEvent(eventType, repoID, ""),
		Result:         result,
		Tag:            tag,
		BufferCommit:   bufferCommit,
		BreakingStream: breakingStream,
	}
}

// ConsensusEvent is emitted when consensus is reached or blocked for a
// stream. The plugin runner deduplicates these per stream per hour.
type ConsensusEvent struct {
	BaseEvent
	Reached bool    `json:"reached"`
	Reason  string  `json:"reason"`
	Ratio   float64 `json:"ratio"`
}

// NewConsensusEvent creates a consensus reached/blocked event.
func NewConsensusEvent(repoID, streamID string, reached bool, reason string, ratio float64) ConsensusEvent {
	eventType := TypeConsensusBlocked
	if reached {
		eventType = TypeConsensusReached
	}
	return ConsensusEvent{
		BaseEvent: NewBaseEvent(eventType, repoID, streamID),
		Reached:   reached,
		Reason:    reason,
		Ratio:     ratio,
	}
}

// PromoteEvent is emitted after the release branch fast-forwards.
type PromoteEvent struct {
	BaseEvent
	FromBranch string `json:"from_branch"`
	ToBranch   string `json:"to_branch"`
	ToCommit   string `json:"to_commit"`
	Trigger    string `json:"triggered_by"`
}

// NewPromoteEvent creates a promote event.
func NewPromoteEvent(repoID, from, to, toCommit, trigger string) PromoteEvent {
	return PromoteEvent{
		BaseEvent:  NewBaseEvent(TypePromote, repoID, ""),
		FromBranch: from,
		ToBranch:   to,
		ToCommit:   toCommit,
		Trigger:    trigger,
	}
}
