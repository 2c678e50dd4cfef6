package resilience

import (
	"context"
	"errors"
	"testing"
)

func TestDegradedModeTracksDependencyState(t *testing.T) {
	d := NewDegradedMode()
	if d.IsDegraded() {
		t.Fatalf("expected not degraded initially")
	}

	d.MarkRedisUnavailable()
	if !d.IsDegraded() || d.IsRedisAvailable() {
		t.Fatalf("expected degraded after redis marked unavailable")
	}

	d.MarkRedisAvailable()
	if d.IsDegraded() {
		t.Fatalf("expected recovery once redis available again")
	}
}

func TestDegradedModeCacheRoundTrip(t *testing.T) {
	d := NewDegradedMode()
	d.SetInCache("task-1", "payload", 0)

	val, ok := d.GetFromCache("task-1")
	if !ok || val != "payload" {
		t.Fatalf("expected cached value, got %v ok=%v", val, ok)
	}
	if d.GetPendingWriteCount() != 1 {
		t.Fatalf("expected one pending write, got %d", d.GetPendingWriteCount())
	}
}

func TestDegradedModeCoalescesRepeatedWritesToSameKey(t *testing.T) {
	d := NewDegradedMode()
	d.SetInCache("task-1", "patch-v1", 0)
	d.SetInCache("task-1", "patch-v2", 0)
	d.SetInCache("task-1", "patch-v3", 0)

	if d.GetPendingWriteCount() != 1 {
		t.Fatalf("expected repeated writes to the same key to coalesce into one pending write, got %d", d.GetPendingWriteCount())
	}

	pending := d.PendingWrites()
	if len(pending) != 1 {
		t.Fatalf("expected one pending write, got %d", len(pending))
	}
	if pending[0].Value != "patch-v3" {
		t.Fatalf("expected coalesced pending write to keep the latest value, got %v", pending[0].Value)
	}
	if pending[0].Supersedes != 2 {
		t.Fatalf("expected Supersedes=2 for two superseded writes, got %d", pending[0].Supersedes)
	}

	// A different key gets its own pending write; it must not be evicted by
	// churn on task-1.
	d.SetInCache("task-2", "patch", 0)
	if d.GetPendingWriteCount() != 2 {
		t.Fatalf("expected 2 distinct pending writes after a second key, got %d", d.GetPendingWriteCount())
	}
}

func TestDegradedModeMarkReconciledClearsStaleEntryOnEviction(t *testing.T) {
	d := NewDegradedMode()
	d.SetInCache("task-1", "patch", 0)
	d.MarkReconciled("task-1")

	d.SetInCache("task-2", "patch", 0)
	if d.GetPendingWriteCount() != 2 {
		t.Fatalf("expected reconciled entries to remain until evicted, got %d", d.GetPendingWriteCount())
	}
}

func TestDegradedModeWithFallback(t *testing.T) {
	d := NewDegradedMode()
	ctx := context.Background()

	called := false
	err := d.WithFallback(ctx,
		func(context.Context) error { return errors.New("primary down") },
		func(context.Context) error { called = true; return nil },
	)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if !called {
		t.Fatalf("expected fallback to be invoked")
	}
}
