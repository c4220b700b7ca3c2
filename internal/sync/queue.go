package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// batchLimit is the maximum events per flush batch.
const batchLimit = 100

// SendOutcome classifies a TrySendOrQueue result.
type SendOutcome string

const (
	OutcomeSent   SendOutcome = "sent"
	OutcomeQueued SendOutcome = "queued"
	OutcomeFailed SendOutcome = "failed"
)

// Dispatcher sends events to the coordinator, queueing them when it is
// unreachable. It also answers the merge orchestrator's server-side
// questions. The client is swappable at runtime: connect upgrades a
// disconnected dispatcher while the bus forwarder keeps using it.
type Dispatcher struct {
	store  *store.Store
	client atomic.Pointer[Client]
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher. client may be nil when the CLI
// has never connected; every send then queues.
func NewDispatcher(st *store.Store, client *Client, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{store: st, logger: logger}
	d.client.Store(client)
	return d
}

// SetClient swaps the coordinator client.
func (d *Dispatcher) SetClient(c *Client) {
	d.client.Store(c)
}

// Connected reports whether a coordinator connection is configured.
func (d *Dispatcher) Connected() bool {
	return d.client.Load() != nil
}

// TrySendOrQueue delivers an event now or persists it for later flush.
// Never silently drops: the outcome says which path was taken.
func (d *Dispatcher) TrySendOrQueue(ctx context.Context, eventType string, payload map[string]interface{}) (SendOutcome, error) {
	if client := d.client.Load(); client != nil {
		err := client.SendEvent(ctx, eventType, payload)
		if err == nil {
			return OutcomeSent, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			// The server already has it.
			return OutcomeSent, nil
		}
		if !isTransport(err) {
			return OutcomeFailed, err
		}
		d.logger.Debug("coordinator unreachable, queueing event",
			"event_type", eventType, "error", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return OutcomeFailed, err
	}
	if _, err := d.store.Enqueue(ctx, eventType, data); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeQueued, nil
}

func isTransport(err error) bool {
	return core.IsCategory(err, core.ErrCatNetwork) || core.IsCategory(err, core.ErrCatTimeout)
}

// FlushReport summarizes one flushQueue run.
type FlushReport struct {
	Sent        int
	Duplicates  int
	Remaining   int
	FailedTypes []string
}

// FlushQueue drains the offline queue in seq order. Batches go to the
// bulk endpoint; ok and duplicate rows are deleted, and the flush stops
// at the first error to preserve ordering. FailedTypes lists the event
// types still queued afterwards.
func (d *Dispatcher) FlushQueue(ctx context.Context) (*FlushReport, error) {
	report := &FlushReport{}
	client := d.client.Load()
	if client == nil {
		return nil, core.ErrNetwork(core.CodeServerUnavailable, "not connected to a coordinator")
	}

	for {
		entries, err := d.store.PeekQueue(ctx, batchLimit)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}

		stopped, err := d.flushBatch(ctx, client, entries, report)
		if err != nil {
			return nil, err
		}
		if stopped || len(entries) < batchLimit {
			break
		}
	}

	types, err := d.store.PendingQueueTypes(ctx)
	if err != nil {
		return nil, err
	}
	for t, n := range types {
		report.FailedTypes = append(report.FailedTypes, t)
		report.Remaining += n
	}
	return report, nil
}

// flushBatch delivers one batch. Returns true when the flush must stop
// (an entry errored).
func (d *Dispatcher) flushBatch(ctx context.Context, client *Client, entries []core.SyncQueueEntry, report *FlushReport) (bool, error) {
	results, err := client.SendBatch(ctx, entries)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			// Older coordinator without the batch endpoint.
			return d.flushIndividually(ctx, client, entries, report)
		}
		return true, err
	}

	byseq := make(map[int64]BatchResult, len(results))
	for _, r := range results {
		byseq[r.Seq] = r
	}

	var delivered []int64
	for _, e := range entries {
		r, ok := byseq[e.Seq]
		if !ok {
			// The server did not answer for this seq; treat as error.
			r = BatchResult{Seq: e.Seq, Status: "error", Error: "no result for seq"}
		}
		switch r.Status {
		case "ok":
			report.Sent++
			delivered = append(delivered, e.Seq)
		case "duplicate":
			report.Duplicates++
			delivered = append(delivered, e.Seq)
		default:
			if err := d.store.MarkQueueError(ctx, e.Seq, r.Error); err != nil {
				d.logger.Warn("marking queue error failed", "seq", e.Seq, "error", err)
			}
			if err := d.store.DeleteQueueEntries(ctx, delivered); err != nil {
				return true, err
			}
			return true, nil
		}
	}
	return false, d.store.DeleteQueueEntries(ctx, delivered)
}

// flushIndividually is the 404 fallback: dispatch entries one by one
// with the same stop-on-first-error discipline.
func (d *Dispatcher) flushIndividually(ctx context.Context, client *Client, entries []core.SyncQueueEntry, report *FlushReport) (bool, error) {
	var delivered []int64
	for _, e := range entries {
		var payload map[string]interface{}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			if merr := d.store.MarkQueueError(ctx, e.Seq, "unparseable payload: "+err.Error()); merr != nil {
				d.logger.Warn("marking queue error failed", "seq", e.Seq, "error", merr)
			}
			break
		}

		err := client.SendEvent(ctx, e.EventType, payload)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
				report.Duplicates++
				delivered = append(delivered, e.Seq)
				continue
			}
			if merr := d.store.MarkQueueError(ctx, e.Seq, err.Error()); merr != nil {
				d.logger.Warn("marking queue error failed", "seq", e.Seq, "error", merr)
			}
			break
		}
		report.Sent++
		delivered = append(delivered, e.Seq)
	}

	stopped := len(delivered) < len(entries)
	return stopped, d.store.DeleteQueueEntries(ctx, delivered)
}

// --- merge.Coordinator ---

// FlushReviews drains the queue ahead of a server consensus check and
// returns the event types that did not make it.
func (d *Dispatcher) FlushReviews(ctx context.Context) ([]string, error) {
	report, err := d.FlushQueue(ctx)
	if err != nil {
		return nil, err
	}
	return report.FailedTypes, nil
}

// CheckConsensus proxies to the server.
func (d *Dispatcher) CheckConsensus(ctx context.Context, repoID, streamID string) (*policy.ConsensusResult, error) {
	client := d.client.Load()
	if client == nil {
		return nil, core.ErrNetwork(core.CodeServerUnavailable, "not connected to a coordinator")
	}
	return client.CheckConsensus(ctx, repoID, streamID)
}

// RequestMerge proxies to the server.
func (d *Dispatcher) RequestMerge(ctx context.Context, repoID, streamID, agentID string) (bool, string, error) {
	client := d.client.Load()
	if client == nil {
		return false, "", core.ErrNetwork(core.CodeServerUnavailable, "not connected to a coordinator")
	}
	return client.RequestMerge(ctx, repoID, streamID, agentID)
}

// QueueMergeRequest persists a merge_requested event for the next flush.
func (d *Dispatcher) QueueMergeRequest(ctx context.Context, repoID, streamID, agentID string) error {
	data, err := json.Marshal(map[string]interface{}{
		"repo_id":      repoID,
		"stream_id":    streamID,
		"agent_id":     agentID,
		"requested_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = d.store.Enqueue(ctx, "merge_requested", data)
	return err
}

// ReportMerge sends a completed merge upstream, queueing on failure.
func (d *Dispatcher) ReportMerge(ctx context.Context, rec *core.MergeRecord) error {
	_, err := d.TrySendOrQueue(ctx, "merge_completed", map[string]interface{}{
		"repo_id":       rec.RepoID,
		"stream_id":     rec.StreamID,
		"agent_id":      rec.AgentID,
		"merge_commit":  rec.MergeCommit,
		"target_branch": rec.TargetBranch,
		"merged_at":     rec.MergedAt.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// --- bus forwarding ---

// Forward translates a bus event into a sync event and sends or queues
// it. Unknown bus types are ignored; they are local-only.
func (d *Dispatcher) Forward(ctx context.Context, ev events.Event) {
	eventType, payload := translate(ev)
	if eventType == "" {
		return
	}
	if _, err := d.TrySendOrQueue(ctx, eventType, payload); err != nil {
		d.logger.Warn("forwarding event failed", "event_type", eventType, "error", err)
	}
}

// translate maps bus events onto wire event types.
func translate(ev events.Event) (string, map[string]interface{}) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", nil
	}

	switch ev.EventType() {
	case events.TypeStreamCreated:
		return "stream_created", payload
	case events.TypeCommit:
		return "commit", payload
	case events.TypeSubmitForReview:
		return "submit_for_review", payload
	case events.TypeReviewSubmitted:
		return "review", payload
	case events.TypeStreamMerged:
		// The orchestrator reports merges explicitly with the full
		// record; no duplicate forward here.
		return "", nil
	case events.TypeStreamAbandoned:
		return "stream_abandoned", payload
	case events.TypeStabilizationPassed, events.TypeStabilizationFailed:
		return "stabilization", payload
	case events.TypePromote:
		return "promotion", payload
	default:
		return "", nil
	}
}
