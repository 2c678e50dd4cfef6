package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJanitorReleasesStaleLock(t *testing.T) {
	c := newFakeCoordinator()
	meta := LockMetadata{OwnerNodeID: "node-a", Epoch: 1, ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	val, _ := json.Marshal(meta)
	if _, err := c.AcquireLease(context.Background(), "daemon:lock:leader", string(val), time.Hour); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	j := NewJanitor(c, "daemon:lock:*", 10*time.Millisecond)
	j.sweep(context.Background())

	if owner, _ := c.GetLockOwner(context.Background(), "daemon:lock:leader"); owner != "" {
		t.Fatalf("expected stale lock to be released, still held by %q", owner)
	}
}

func TestJanitorLeavesFreshLockAlone(t *testing.T) {
	c := newFakeCoordinator()
	meta := LockMetadata{OwnerNodeID: "node-a", Epoch: 1, ExpiresAt: time.Now().UTC().Add(time.Hour)}
	val, _ := json.Marshal(meta)
	if _, err := c.AcquireLease(context.Background(), "daemon:lock:leader", string(val), time.Hour); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	j := NewJanitor(c, "daemon:lock:*", 10*time.Millisecond)
	j.sweep(context.Background())

	if owner, _ := c.GetLockOwner(context.Background(), "daemon:lock:leader"); owner == "" {
		t.Fatal("expected fresh lock to remain held")
	}
}
