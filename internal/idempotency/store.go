// Package idempotency de-duplicates repeated commands (resume, cancel,
// trash, restore) issued against the same task, so a retried admin/CLI call
// or a re-delivered queue message can't double-apply a side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Result is the recorded outcome of a command, replayed verbatim on a
// duplicate request instead of re-running the command.
type Result struct {
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Backend is the durable half of the store; RedisStore satisfies it.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store de-duplicates commands keyed by (kind, taskID, idempotencyKey). When
// backend is nil it falls back to an in-process cache, matching the
// teacher's fallback for single-node / test deployments.
type Store struct {
	backend Backend
	cache   sync.Map
	ttl     time.Duration
}

type entry struct {
	Result    Result
	Timestamp time.Time
}

// NewStore wraps backend (nil for in-memory-only) with the default 24h TTL
// the teacher uses for command de-duplication.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, ttl: 24 * time.Hour}
}

// Key builds the de-duplication key for a command against a task.
func Key(kind, taskID, idempotencyKey string) string {
	return fmt.Sprintf("cmd:%s:%s:%s", kind, taskID, idempotencyKey)
}

func (s *Store) Get(ctx context.Context, key string) (Result, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("idempotency: backend error getting %s: %v", key, err)
			return Result{}, false
		}
		if val == "" {
			return Result{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Result{}, false
		}
		return e.Result, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Result{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > s.ttl {
		s.cache.Delete(key)
		return Result{}, false
	}
	return e.Result, true
}

func (s *Store) Set(ctx context.Context, key string, result Result) {
	e := entry{Result: result, Timestamp: time.Now()}

	if s.backend != nil {
		data, err := json.Marshal(e)
		if err != nil {
			log.Printf("idempotency: marshal error for %s: %v", key, err)
			return
		}
		if err := s.backend.Set(ctx, key, string(data), s.ttl); err != nil {
			log.Printf("idempotency: backend error setting %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
