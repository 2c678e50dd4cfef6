package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/taskforge/daemon/internal/store"
)

// LockJanitor periodically sweeps for lock metadata that has outlived its
// own ExpiresAt by more than a grace period and force-releases it. Ported
// from the teacher's janitor.go; the epoch-fencing half of that sweep
// (comparing a lock's epoch against a separately durable current epoch) is
// dropped here since store.Coordinator only exposes IncrementEpoch, not a
// read-only peek — see DESIGN.md. Redis's own key TTL already expires locks
// in the common case; this is a defensive second pass for lock metadata a
// scan turns up whose TTL should have fired but didn't.
type LockJanitor struct {
	coordinator store.Coordinator
	pattern     string
	interval    time.Duration
	grace       time.Duration
}

// NewJanitor constructs a LockJanitor that sweeps keys matching pattern
// (e.g. lockKey+"*") every interval.
func NewJanitor(c store.Coordinator, pattern string, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, pattern: pattern, interval: interval, grace: 5 * time.Second}
}

// Start runs the sweep loop until ctx is cancelled.
func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockJanitor) sweep(ctx context.Context) {
	keys, err := j.coordinator.ScanLocks(ctx, j.pattern)
	if err != nil {
		log.Printf("coordination: janitor scan failed: %v", err)
		return
	}

	for _, key := range keys {
		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("coordination: janitor: unreadable lock metadata at %s: %v", key, err)
			continue
		}

		if time.Now().UTC().After(meta.ExpiresAt.Add(j.grace)) {
			log.Printf("coordination: janitor: force-releasing stale lock %s (owner %s, expired %s)", key, meta.OwnerNodeID, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("coordination: janitor: release failed for %s: %v", key, err)
			}
		}
	}
}
