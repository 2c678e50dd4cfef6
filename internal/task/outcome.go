package task

import (
	"context"

	"github.com/taskforge/daemon/internal/store"
)

// OutcomeKind is one arm of StageOutcome. Replaces the source's practice of
// throwing session-limit/usage-limit errors and recovering them by string
// matching (§9 Design Note): the agent driver reports its result as data.
type OutcomeKind string

const (
	OutcomeOk           OutcomeKind = "ok"
	OutcomeRetryable    OutcomeKind = "retryable"
	OutcomeSessionLimit OutcomeKind = "session_limit"
	OutcomeUsageLimit   OutcomeKind = "usage_limit"
	OutcomeFatal        OutcomeKind = "fatal"
)

// StageOutcome is StageOutcome = Ok | Retryable(err) | SessionLimit |
// UsageLimit | Fatal(err) from §9, expressed the idiomatic-Go way: a kind
// tag plus an optional error, instead of a tagged union.
type StageOutcome struct {
	Kind OutcomeKind
	Err  error

	// Usage is the stage's incremental resource consumption, folded into the
	// task's running total regardless of outcome kind.
	Usage store.Usage
}

func Ok(u store.Usage) StageOutcome { return StageOutcome{Kind: OutcomeOk, Usage: u} }

func Retryable(err error, u store.Usage) StageOutcome {
	return StageOutcome{Kind: OutcomeRetryable, Err: err, Usage: u}
}

func SessionLimit(u store.Usage) StageOutcome {
	return StageOutcome{Kind: OutcomeSessionLimit, Usage: u}
}

func UsageLimit(u store.Usage) StageOutcome {
	return StageOutcome{Kind: OutcomeUsageLimit, Usage: u}
}

func Fatal(err error, u store.Usage) StageOutcome {
	return StageOutcome{Kind: OutcomeFatal, Err: err, Usage: u}
}

// AgentDriver is the out-of-scope external collaborator that actually runs
// a workflow stage. Core fixes only this interface.
type AgentDriver interface {
	RunStage(ctx context.Context, task *store.Task, stage string) StageOutcome
}

// WorkspaceCleaner is the out-of-scope workspace-provisioning collaborator
// (§1) that core notifies to tear down a task's workspace after failure.
// Core only decides whether to call it (§7 preserveOnFailure evaluation);
// the strategy-specific teardown itself stays out of scope.
type WorkspaceCleaner interface {
	CleanupWorkspace(ctx context.Context, task *store.Task) error
}

// SessionRecommendation is sessionLimitCheck's verdict.
type SessionRecommendation string

const (
	RecommendContinue   SessionRecommendation = "continue"
	RecommendSummarize  SessionRecommendation = "summarize"
	RecommendCheckpoint SessionRecommendation = "checkpoint"
	RecommendHandoff    SessionRecommendation = "handoff"
)

// SessionLimitCheck estimates utilization = tokens / contextWindow and
// recommends an action at the 0.60/0.80/0.95 thresholds from §4.F. A
// contextWindow <= 0 is treated as unbounded (always continue).
func SessionLimitCheck(tokens, contextWindow int64) SessionRecommendation {
	if contextWindow <= 0 {
		return RecommendContinue
	}
	utilization := float64(tokens) / float64(contextWindow)
	switch {
	case utilization >= 0.95:
		return RecommendHandoff
	case utilization >= 0.80:
		return RecommendCheckpoint
	case utilization >= 0.60:
		return RecommendSummarize
	default:
		return RecommendContinue
	}
}
