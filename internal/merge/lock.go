// Package merge serializes buffer integration: a process-level file
// lock, consensus gating per merge mode, and the transactional merge
// itself.
package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/gitswarm/gitswarm/internal/core"
)

// DefaultLockStaleness is how old a lock may be before another process
// may break it. Covers a merge plus a slow stabilize run.
const DefaultLockStaleness = 120 * time.Second

// lockInfo is the JSON body of the lock file.
type lockInfo struct {
	AgentID    string    `json:"agent_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is an exclusive cross-process merge lock backed by a JSON file.
type Lock struct {
	path      string
	staleness time.Duration
}

// NewLock creates a lock at path with the default staleness.
func NewLock(path string) *Lock {
	return &Lock{path: path, staleness: DefaultLockStaleness}
}

// WithStaleness overrides the stale-lock threshold.
func (l *Lock) WithStaleness(d time.Duration) *Lock {
	l.staleness = d
	return l
}

// Acquire takes the lock for the agent. A fresh lock held by someone
// else fails with lock_held; a stale lock is broken and retaken.
func (l *Lock) Acquire(agentID string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{
				AgentID:    agentID,
				PID:        os.Getpid(),
				Hostname:   hostname(),
				AcquiredAt: time.Now(),
			}
			data, merr := json.Marshal(info)
			if merr != nil {
				f.Close()
				os.Remove(l.path)
				return merr
			}
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(l.path)
				return werr
			}
			return f.Close()
		}
		if !os.IsExist(err) {
			return err
		}

		holder, herr := l.read()
		if herr == nil && time.Since(holder.AcquiredAt) < l.staleness {
			return core.ErrConcurrency(core.CodeLockHeld,
				fmt.Sprintf("merge lock held by %s (pid %d on %s)", holder.AgentID, holder.PID, holder.Hostname)).
				WithDetail("acquired_at", holder.AcquiredAt)
		}
		// Stale or unreadable: break it and retry once.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return rerr
		}
	}
	return core.ErrConcurrency(core.CodeLockTimeout, "could not acquire merge lock")
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Holder returns the current lock holder, or nil when unlocked.
func (l *Lock) Holder() (*lockInfo, error) {
	info, err := l.read()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (l *Lock) read() (*lockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Refresh rewrites the lock timestamp, extending a long-running hold.
func (l *Lock) Refresh() error {
	info, err := l.read()
	if err != nil {
		return err
	}
	info.AcquiredAt = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return renameio.WriteFile(l.path, data, 0o644)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
