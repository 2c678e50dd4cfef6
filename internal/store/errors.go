package store

import "errors"

// Sentinel errors returned by Store implementations. Callers compare with
// errors.Is; the orchestrator maps ErrNotFound-shaped misses to nil results
// per each method's documented "not found -> nil, nil" convention and only
// uses these for genuine failure paths.
var (
	ErrTaskNotFound       = errors.New("store: task not found")
	ErrCheckpointNotFound = errors.New("store: checkpoint not found")
	ErrOptimisticLock     = errors.New("store: version changed since read")
	ErrCyclicSubtask      = errors.New("store: subtask relation would introduce a cycle")
)
