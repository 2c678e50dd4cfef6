// Package daemon implements the Daemon Runner (§4.H): process lifecycle
// wiring, the queued-task polling loop, graceful shutdown, and a
// memory-pressure watchdog. Grounded on the teacher's main.go wiring order
// (store first, then the components that depend on it, then the
// leader-gated background loops) and coordination/agent_monitor.go's
// ticker+ctx.Done loop shape, reused here for both the poll loop and the
// watchdog.
package daemon

import (
	"context"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/taskforge/daemon/internal/clock"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/coordination"
	"github.com/taskforge/daemon/internal/idgen"
	"github.com/taskforge/daemon/internal/monitor"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/orchestrator"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/task"
	"github.com/taskforge/daemon/internal/timewindow"
	"github.com/taskforge/daemon/internal/usage"
)

// RestartEvent records one watchdog-triggered restart request, kept for
// introspection (e.g. a future /admin/status endpoint).
type RestartEvent struct {
	Time   time.Time
	Reason string
}

// ExitWatchdogRestart is the process exit code a supervisor should treat as
// "restart me", per §6's CLI surface exit codes.
const ExitWatchdogRestart = 137

// Runner drives one daemon process: the queued-task poll loop, the
// Capacity Monitor tick loop, and the memory watchdog, all stopped by
// cancelling the context passed to Run.
type Runner struct {
	cfg          *config.Config
	store        store.Store
	clock        clock.Clock
	tracker      *usage.Tracker
	orchestrator *orchestrator.Orchestrator
	machine      *task.Machine
	monitor      *monitor.Monitor
	ha           *coordination.LeaderElector
	haJanitor    *coordination.LockJanitor

	// Restart receives a RestartEvent when the watchdog decides the process
	// is unhealthy and should be restarted by its supervisor. Buffered by
	// one so the watchdog never blocks on a caller that isn't listening.
	Restart chan RestartEvent

	mu             sync.Mutex
	restartHistory []RestartEvent
	watchdogTicks  int
}

// New wires the Store, Time-Window Scheduler, Usage Tracker, Task State
// Machine, Orchestrator, and Capacity Monitor together per cfg, the way the
// teacher's main() wires Store, Scheduler, Reconciler, and LeaderElector in
// dependency order before starting anything.
func New(cfg *config.Config, s store.Store, driver task.AgentDriver) *Runner {
	c := clock.NewSystem(nil)
	tw := timewindow.New(c, cfg.TimeBasedUsage, cfg.Limits)
	tracker := usage.New(c, tw, cfg.Limits.DailyBudget)

	bus := orchestrator.NewBus()
	emit := func(e task.Event) { bus.Publish(e.Type, e) }
	machine := task.New(s, c, driver, tracker, emit)
	machine.WithWorkspaceCleaner(nil, cfg.Git.Worktree.PreserveOnFailure)

	orch := orchestrator.New(s, tw, tracker, machine, bus, cfg.Limits.DailyBudget)

	monitorPoll := time.Duration(cfg.Daemon.MonitorPollIntervalMs) * time.Millisecond
	mon := monitor.New(c, tracker, tw, cfg.Limits.DailyBudget, monitorPoll)
	mon.OnCapacityRestored(orch.OnCapacityRestored)

	r := &Runner{
		cfg:          cfg,
		store:        s,
		clock:        c,
		tracker:      tracker,
		orchestrator: orch,
		machine:      machine,
		monitor:      mon,
		Restart:      make(chan RestartEvent, 1),
	}

	if cfg.HA.Enabled {
		if coord, ok := s.(store.Coordinator); ok {
			nodeID := hostname() + "-" + idgen.New("node")
			ttl := time.Duration(cfg.HA.LeaseTTLMs) * time.Millisecond
			renew := time.Duration(cfg.HA.RenewIntervalMs) * time.Millisecond
			r.ha = coordination.New(coord, nodeID, cfg.HA.LockKey, ttl, renew)
			r.haJanitor = coordination.NewJanitor(coord, cfg.HA.LockKey+"*", renew*6)
		} else {
			log.Printf("daemon: ha.enabled=true but the configured store does not support coordination; running standalone")
		}
	}
	return r
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

// Orchestrator exposes the wired Orchestrator, e.g. for an admin HTTP
// surface to call CreateTask/ResumePausedTask, or for metrics/streaming to
// subscribe on its Bus.
func (r *Runner) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }

// Machine exposes the wired Task State Machine, e.g. for an admin HTTP
// surface to call Cancel/Trash/Restore per §6's CLI surface.
func (r *Runner) Machine() *task.Machine { return r.machine }

// Run blocks until ctx is cancelled, then drains in-flight tasks up to the
// configured shutdown deadline before returning. The watchdog always runs
// (process health is per-replica); the poll loop and capacity monitor run
// unconditionally in standalone mode, or only while this replica holds
// leadership when the HA supplement is enabled (§ SPEC_FULL.md HA section).
func (r *Runner) Run(ctx context.Context) {
	go r.watchdogLoop(ctx)

	if r.ha != nil {
		r.runHA(ctx)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.pollLoop(ctx)
	}()

	<-ctx.Done()
	r.drain()
	wg.Wait()
}

// runHA defers the poll loop and capacity monitor to leadership: they run
// only inside the context the elector hands to onElected, cancelled the
// instant leadership is lost, mirroring the teacher's
// elector.SetCallbacks(sched.Start, sched.Stop) wiring in main.go.
func (r *Runner) runHA(ctx context.Context) {
	r.ha.SetCallbacks(
		func(leaderCtx context.Context) {
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.monitor.Run(leaderCtx)
			}()
			go func() {
				defer wg.Done()
				r.pollLoop(leaderCtx)
			}()
			wg.Wait()
		},
		func() {},
	)

	r.haJanitor.Start(ctx)
	r.ha.Start(ctx)

	<-ctx.Done()
	r.drain()
}

// pollLoop admits the next queued task at most once per poll interval, per
// §4.H. A nil task (empty queue) is a silent no-op.
func (r *Runner) pollLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Daemon.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := r.store.GetNextQueuedTask(ctx)
			if err != nil {
				log.Printf("daemon: poll: GetNextQueuedTask: %v", err)
				continue
			}
			if t != nil {
				r.orchestrator.ScheduleIfReady(ctx, t.ID)
			}
			r.reportQueueDepth(ctx)
		}
	}
}

// reportQueueDepth samples the paused-for-resume backlog by priority, the
// Capacity Monitor's queue-depth analogue of the teacher's TaskQueueDepth
// gauge.
func (r *Runner) reportQueueDepth(ctx context.Context) {
	paused, err := r.store.GetPausedTasksForResume(ctx)
	if err != nil {
		log.Printf("daemon: poll: GetPausedTasksForResume: %v", err)
		return
	}
	counts := map[store.Priority]int{}
	for _, t := range paused {
		counts[t.Priority]++
	}
	for _, p := range []store.Priority{store.PriorityLow, store.PriorityNormal, store.PriorityHigh, store.PriorityUrgent} {
		observability.QueueDepth.WithLabelValues("paused", string(p)).Set(float64(counts[p]))
	}
}

const drainPollInterval = 200 * time.Millisecond

// drain waits for TrackTaskCompletion/TrackTaskPause to empty the active
// set, or the configured shutdown deadline, whichever comes first.
func (r *Runner) drain() {
	deadline := time.Duration(r.cfg.Daemon.ShutdownDeadlineMs) * time.Millisecond
	timeout := time.After(deadline)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if r.tracker.ActiveCount() == 0 {
			return
		}
		select {
		case <-timeout:
			log.Printf("daemon: shutdown deadline of %s reached with %d task(s) still active", deadline, r.tracker.ActiveCount())
			return
		case <-ticker.C:
		}
	}
}

// watchdogLoop samples heap usage every monitor poll interval; once
// WatchdogMemoryCapMB is exceeded on WatchdogMaxTicks consecutive samples,
// it records a RestartEvent and signals Restart so the process owner can
// exit(ExitWatchdogRestart) for its supervisor to restart it.
func (r *Runner) watchdogLoop(ctx context.Context) {
	if r.cfg.Daemon.WatchdogMemoryCapMB <= 0 {
		return
	}
	interval := time.Duration(r.cfg.Daemon.MonitorPollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.watchdogTick()
		}
	}
}

func (r *Runner) watchdogTick() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := int(m.Alloc / (1024 * 1024))

	r.mu.Lock()
	defer r.mu.Unlock()

	if allocMB < r.cfg.Daemon.WatchdogMemoryCapMB {
		r.watchdogTicks = 0
		return
	}
	r.watchdogTicks++
	if r.watchdogTicks < r.cfg.Daemon.WatchdogMaxTicks {
		return
	}

	event := RestartEvent{Time: r.clock.Now(), Reason: "memory_cap_exceeded"}
	observability.WatchdogRestarts.WithLabelValues(event.Reason).Inc()
	r.restartHistory = append(r.restartHistory, event)
	if limit := r.cfg.Daemon.RestartHistoryLimit; limit > 0 && len(r.restartHistory) > limit {
		r.restartHistory = r.restartHistory[len(r.restartHistory)-limit:]
	}
	r.watchdogTicks = 0

	select {
	case r.Restart <- event:
	default:
	}
}

// RestartHistory returns a copy of the bounded restart-event log.
func (r *Runner) RestartHistory() []RestartEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RestartEvent(nil), r.restartHistory...)
}
