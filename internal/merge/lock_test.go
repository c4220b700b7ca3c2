package merge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gitswarm/gitswarm/internal/core"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	return NewLock(filepath.Join(t.TempDir(), "merge.lock"))
}

func TestLockAcquireRelease(t *testing.T) {
	lock := newTestLock(t)

	if err := lock.Acquire("agent-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	holder, err := lock.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if holder == nil || holder.AgentID != "agent-1" {
		t.Fatalf("holder = %+v", holder)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	holder, err = lock.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if holder != nil {
		t.Fatalf("holder after release = %+v", holder)
	}
}

func TestLockContention(t *testing.T) {
	lock := newTestLock(t)

	if err := lock.Acquire("agent-1"); err != nil {
		t.Fatal(err)
	}
	err := lock.Acquire("agent-2")
	if !core.IsCode(err, core.CodeLockHeld) {
		t.Fatalf("second acquire: %v", err)
	}
	if core.ExitCode(err) != 6 {
		t.Errorf("lock contention exit code = %d", core.ExitCode(err))
	}
}

func TestLockBreaksStale(t *testing.T) {
	lock := newTestLock(t).WithStaleness(10 * time.Millisecond)

	if err := lock.Acquire("dead-agent"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := lock.Acquire("agent-2"); err != nil {
		t.Fatalf("stale lock not broken: %v", err)
	}
	holder, err := lock.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if holder.AgentID != "agent-2" {
		t.Errorf("holder = %s", holder.AgentID)
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	lock := newTestLock(t)
	if err := lock.Release(); err != nil {
		t.Fatalf("releasing unheld lock: %v", err)
	}
}

func TestLockRefreshExtendsHold(t *testing.T) {
	lock := newTestLock(t).WithStaleness(50 * time.Millisecond)

	if err := lock.Acquire("agent-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := lock.Refresh(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	// 60 ms since acquire but only 30 ms since refresh: still fresh.
	err := lock.Acquire("agent-2")
	if !core.IsCode(err, core.CodeLockHeld) {
		t.Fatalf("refreshed lock was broken: %v", err)
	}
}
