package store

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/resilience"
)

// ResilientStore wraps any Store with a DegradedMode fallback: when the
// backing store's GetTask/UpdateTask calls start failing (the Postgres or
// Redis backend is unreachable), reads fall back to a bounded local cache
// instead of propagating the error to the caller, and writes are held as
// pending until the backend recovers. This is a decorator, not a backend of
// its own; construct it around a PostgresStore/RedisStore the way the
// teacher wraps DB/Redis calls with its DegradedMode in api handlers.
type ResilientStore struct {
	Store
	degraded *resilience.DegradedMode
}

// NewResilientStore wraps backing with a fresh DegradedMode tracker.
func NewResilientStore(backing Store) *ResilientStore {
	return &ResilientStore{Store: backing, degraded: resilience.NewDegradedMode()}
}

// Degraded exposes the underlying DegradedMode, e.g. for an /admin/status
// route to report IsDegraded()/GetPendingWriteCount().
func (r *ResilientStore) Degraded() *resilience.DegradedMode { return r.degraded }

// GetTask reads through to the wrapped store; on error, it serves the last
// cached copy of id instead of failing the caller outright.
func (r *ResilientStore) GetTask(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	t, err := r.Store.GetTask(ctx, id)
	observability.StoreLatency.WithLabelValues("resilient", "get_task").Observe(time.Since(start).Seconds())
	if err != nil {
		r.degraded.MarkDBUnavailable()
		if cached, ok := r.degraded.GetFromCache(cacheKey(id)); ok {
			if ct, ok := cached.(*Task); ok {
				return ct, nil
			}
		}
		return nil, fmt.Errorf("store: degraded, no cached copy of %s: %w", id, err)
	}
	r.degraded.MarkDBAvailable()
	if t != nil {
		r.degraded.SetInCache(cacheKey(id), t, 5*time.Minute)
	}
	return t, nil
}

// UpdateTask writes through to the wrapped store; on error, the patch is
// held in the DegradedMode cache for later reconciliation rather than lost,
// though the caller still sees the error so it can decide whether to retry.
func (r *ResilientStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	start := time.Now()
	err := r.Store.UpdateTask(ctx, id, patch)
	observability.StoreLatency.WithLabelValues("resilient", "update_task").Observe(time.Since(start).Seconds())
	if err != nil {
		r.degraded.MarkDBUnavailable()
		r.degraded.SetInCache(cacheKey(id)+":pending-patch", patch, 24*time.Hour)
		return fmt.Errorf("store: update %s deferred, backend unavailable: %w", id, err)
	}
	r.degraded.MarkDBAvailable()
	return nil
}

func cacheKey(taskID string) string { return "task:" + taskID }
