// Package coordination is the optional HA supplement: leader election
// between daemon-runner replicas sharing a Coordinator-capable store, so
// exactly one replica polls for and admits queued tasks at a time. Ported
// from the teacher's coordination/leader.go, re-aimed from electing a
// scheduler shard to electing a daemon-runner replica; the fencing-epoch
// machinery is kept, the dashboard metrics and shard-index wiring are not
// (see DESIGN.md).
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskforge/daemon/internal/idgen"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/store"
)

// LockMetadata is the JSON payload stored at the lock key, carrying the
// fencing epoch so a stale former leader can be detected and evicted.
type LockMetadata struct {
	OwnerNodeID string    `json:"owner_node_id"`
	Epoch       int64     `json:"epoch"`
	ReqID       string    `json:"req_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LeaderState is a snapshot for introspection (e.g. an /admin/status route).
type LeaderState struct {
	IsLeader     bool
	CurrentEpoch int64
	Transitions  int64
	NodeID       string
}

// LeaderElector runs the acquire/renew/backoff loop that decides which
// daemon replica is allowed to poll and admit tasks, per SPEC_FULL.md's HA
// supplement. Disabled entirely unless config.HA.Enabled is true.
type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration
	minInterval time.Duration

	onElected func(ctx context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	transitions  int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc
}

// New constructs a LeaderElector. renewInterval is the steady-state renew
// cadence (config.HA.RenewIntervalMs); ttl is the lease TTL
// (config.HA.LeaseTTLMs).
func New(c store.Coordinator, nodeID, lockKey string, ttl, renewInterval time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     lockKey,
		ttl:         ttl,
		minInterval: renewInterval,
	}
}

// SetCallbacks registers the elected/lost hooks. onElected receives a
// context cancelled the instant leadership is lost, the same fencing
// pattern the teacher's FencedContext gives reconcile work.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start runs the election loop until ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

// IsLeader reports whether this replica currently holds the lock.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// GetState returns a snapshot of the elector's internal bookkeeping.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{IsLeader: l.isLeader, CurrentEpoch: l.currentEpoch, Transitions: l.transitions, NodeID: l.nodeID}
}

const maxRenewFailures = 3

// loop mirrors the teacher's acquire-or-renew loop: exponential backoff on
// error up to 10x the lease TTL, reset to minInterval on success, and a
// forced step-down after maxRenewFailures consecutive renew errors so a
// partitioned leader doesn't keep believing it still holds the lock.
func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.minInterval
	maxInterval := 10 * l.ttl
	renewFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("coordination: renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("coordination: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = l.minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil {
		return false, err
	}

	meta := LockMetadata{
		OwnerNodeID: l.nodeID,
		Epoch:       epoch,
		ReqID:       idgen.New("req"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.currentEpoch = epoch
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, l.lockKey, val); err != nil {
		log.Printf("coordination: release failed: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	epoch := l.currentEpoch
	l.mu.Unlock()

	log.Printf("coordination: node %s elected leader (epoch %d)", l.nodeID, epoch)
	observability.LeaderEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderTransitions.WithLabelValues(l.nodeID, "elected").Inc()
	observability.LeaderStatus.Set(1)
	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	cancel := l.leaderCancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Printf("coordination: node %s lost leadership", l.nodeID)
	observability.LeaderTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	observability.LeaderStatus.Set(0)
	if l.onLost != nil {
		l.onLost()
	}
}
