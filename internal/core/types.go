// Package core defines the domain model shared by the policy engine,
// stream registry, merge orchestration and sync protocol.
package core

import "time"

// AccessLevel is the resolved permission level for an agent on a repo.
type AccessLevel string

const (
	AccessNone     AccessLevel = "none"
	AccessRead     AccessLevel = "read"
	AccessWrite    AccessLevel = "write"
	AccessMaintain AccessLevel = "maintain"
	AccessAdmin    AccessLevel = "admin"
)

// rank orders access levels for comparisons.
func (l AccessLevel) rank() int {
	switch l {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessMaintain:
		return 3
	case AccessAdmin:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether l grants at least the given level.
func (l AccessLevel) AtLeast(min AccessLevel) bool {
	return l.rank() >= min.rank()
}

// Action is a policy-gated operation class.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionMerge    Action = "merge"
	ActionSettings Action = "settings"
	ActionDelete   Action = "delete"
)

// MinLevelFor maps an action to the minimum access level that permits it.
func MinLevelFor(action Action) AccessLevel {
	switch action {
	case ActionRead:
		return AccessRead
	case ActionWrite:
		return AccessWrite
	case ActionMerge:
		return AccessMaintain
	case ActionSettings, ActionDelete:
		return AccessAdmin
	default:
		return AccessAdmin
	}
}

// OwnershipModel decides who can approve merges.
type OwnershipModel string

const (
	OwnershipSolo  OwnershipModel = "solo"
	OwnershipGuild OwnershipModel = "guild"
	OwnershipOpen  OwnershipModel = "open"
)

// MergeMode controls how merges to the buffer are gated.
type MergeMode string

const (
	MergeModeSwarm  MergeMode = "swarm"
	MergeModeReview MergeMode = "review"
	MergeModeGated  MergeMode = "gated"
)

// ConsensusAuthority names which side answers consensus questions.
type ConsensusAuthority string

const (
	AuthorityLocal  ConsensusAuthority = "local"
	AuthorityServer ConsensusAuthority = "server"
)

// Stage is the repository maturity stage.
type Stage string

const (
	StageSeed        Stage = "seed"
	StageGrowth      Stage = "growth"
	StageEstablished Stage = "established"
	StageMature      Stage = "mature"
)

// StageOrder lists stages in advancement order.
var StageOrder = []Stage{StageSeed, StageGrowth, StageEstablished, StageMature}

// StageIndex returns the position of a stage in the advancement order,
// or -1 if the stage is unknown.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a registered autonomous contributor.
type Agent struct {
	ID        string
	Name      string
	KeyHash   string // hex SHA-256 of the API key; the key itself is never stored
	Karma     int
	Status    AgentStatus
	CreatedAt time.Time
}

// AccessMode controls the default permission path for non-maintainers.
type AccessMode string

const (
	AccessModePublic         AccessMode = "public"
	AccessModeKarmaThreshold AccessMode = "karma_threshold"
	AccessModeAllowlist      AccessMode = "allowlist"
)

// Repository is the single federation-wide repo record.
type Repository struct {
	ID                 string
	Name               string
	OwnershipModel     OwnershipModel
	MergeMode          MergeMode
	AccessMode         AccessMode
	Private            bool
	MinKarma           int
	ConsensusThreshold float64
	MinReviews         int
	HumanReviewWeight  float64
	BufferBranch       string
	PromoteTarget      string
	StabilizeCommand   string
	AutoPromoteOnGreen bool
	AutoRevertOnRed    bool
	ConsensusAuthority ConsensusAuthority
	Stage              Stage
	ContributorCount   int
	PatchCount         int
	PluginsEnabled     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MaintainerRole distinguishes owners from regular maintainers.
type MaintainerRole string

const (
	RoleOwner      MaintainerRole = "owner"
	RoleMaintainer MaintainerRole = "maintainer"
)

// Maintainer links an agent to a repo with a role. Unique per (repo, agent).
type Maintainer struct {
	RepoID  string
	AgentID string
	Role    MaintainerRole
}

// Grant is an explicit access grant, optionally expiring.
type Grant struct {
	RepoID      string
	AgentID     string
	AccessLevel AccessLevel
	ExpiresAt   *time.Time
}

// DirectPushPolicy says who may push directly to a protected branch.
type DirectPushPolicy string

const (
	DirectPushNone        DirectPushPolicy = "none"
	DirectPushMaintainers DirectPushPolicy = "maintainers"
	DirectPushAll         DirectPushPolicy = "all"
)

// BranchRule protects branches matching a pattern. Rules are evaluated in
// priority-descending order; the first match wins.
type BranchRule struct {
	RepoID            string
	Pattern           string
	Priority          int
	DirectPush        DirectPushPolicy
	RequiredApprovals int
	RequireTestsPass  bool
}

// StreamStatus is the lifecycle status of a stream.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamInReview  StreamStatus = "in_review"
	StreamMerged    StreamStatus = "merged"
	StreamAbandoned StreamStatus = "abandoned"
	StreamReverted  StreamStatus = "reverted"
)

// Terminal reports whether a status permits no further transitions.
func (s StreamStatus) Terminal() bool {
	return s == StreamMerged || s == StreamAbandoned || s == StreamReverted
}

// ReviewState is the aggregate review status of a stream.
type ReviewState string

const (
	ReviewNone             ReviewState = "none"
	ReviewInReview         ReviewState = "in_review"
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
)

// StreamSource records where a stream originated.
type StreamSource string

const (
	SourceCLI      StreamSource = "cli"
	SourceAPI      StreamSource = "api"
	SourceGitHubPR StreamSource = "github_pr"
)

// Stream is an agent's isolated branch targeting the buffer.
type Stream struct {
	ID           string
	RepoID       string
	OwnerID      string
	Branch       string
	BaseBranch   string
	ParentStream string // empty when the stream has no parent dependency
	Task         string
	Source       StreamSource
	Status       StreamStatus
	ReviewStatus ReviewState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StreamCommit is an append-only commit record for a stream.
type StreamCommit struct {
	StreamID   string
	AgentID    string
	CommitHash string
	ChangeID   string
	Message    string
	CreatedAt  time.Time
}

// Verdict is a review outcome.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
	VerdictComment        Verdict = "comment"
)

// NormalizeVerdict canonicalizes verdict aliases. "reject" maps to
// request_changes.
func NormalizeVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictApprove, VerdictRequestChanges, VerdictComment:
		return Verdict(s), true
	}
	if s == "reject" {
		return VerdictRequestChanges, true
	}
	return "", false
}

// Review is a per-stream review. Unique per (stream, reviewer); later
// submissions update in place.
type Review struct {
	StreamID   string
	ReviewerID string
	Verdict    Verdict
	Feedback   string
	IsHuman    bool
	Tested     bool
	ReviewedAt time.Time
}

// MergeRecord is the append-only record of a completed buffer merge.
type MergeRecord struct {
	ID           int64
	RepoID       string
	StreamID     string
	AgentID      string
	MergeCommit  string
	TargetBranch string
	MergedAt     time.Time
}

// StabilizationResult classifies a stabilization run.
type StabilizationResult string

const (
	StabilizationGreen StabilizationResult = "green"
	StabilizationRed   StabilizationResult = "red"
)

// Stabilization records one run of the stabilize command on the buffer.
type Stabilization struct {
	ID             int64
	RepoID         string
	Result         StabilizationResult
	Tag            string
	BufferCommit   string
	BreakingStream string
	Details        string
	At             time.Time
}

// PromotionTrigger says what initiated a promotion.
type PromotionTrigger string

const (
	TriggerAuto    PromotionTrigger = "auto"
	TriggerManual  PromotionTrigger = "manual"
	TriggerCouncil PromotionTrigger = "council"
)

// Promotion records a fast-forward of the release branch.
type Promotion struct {
	ID          int64
	RepoID      string
	FromBranch  string
	ToBranch    string
	FromCommit  string
	ToCommit    string
	TriggeredBy PromotionTrigger
	AgentID     string
	At          time.Time
}

// SyncQueueEntry is a queued outbound event awaiting flush. FIFO by Seq.
type SyncQueueEntry struct {
	Seq       int64
	EventType string
	Payload   []byte // JSON
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// TaskPriority classifies follow-up tasks.
type TaskPriority string

const (
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityCritical TaskPriority = "critical"
)

// RepairTask is a follow-up work item, e.g. opened after a red
// stabilization reverts a merge.
type RepairTask struct {
	ID        int64
	RepoID    string
	Title     string
	Body      string
	Priority  TaskPriority
	StreamID  string
	CreatedAt time.Time
}

// PluginStatus is the outcome of one plugin execution.
type PluginStatus string

const (
	PluginExecuted    PluginStatus = "executed"
	PluginSkipped     PluginStatus = "skipped"
	PluginRateLimited PluginStatus = "rate_limited"
	PluginBlocked     PluginStatus = "blocked"
	PluginErrored     PluginStatus = "error"
)

// PluginExecution is the audit record for a plugin firing. Also consulted
// for rate limiting and consensus-event idempotence.
type PluginExecution struct {
	ID          int64
	RepoID      string
	Trigger     string
	Plugin      string
	Status      PluginStatus
	StreamID    string
	SafeOutputs []byte // JSON snapshot of consumed budget
	At          time.Time
}

// Activity is an append-only log row for operator visibility.
type Activity struct {
	ID       int64
	RepoID   string
	AgentID  string
	Kind     string
	Message  string
	Metadata []byte // opaque JSON, deserialized by consumers
	At       time.Time
}

// StageHistory records a stage change for a repo.
type StageHistory struct {
	ID        int64
	RepoID    string
	FromStage Stage
	ToStage   Stage
	Reason    string
	Forced    bool
	At        time.Time
}
