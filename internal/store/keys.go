package store

import "fmt"

// Resource names a class of Redis-backed object, mirroring the teacher's
// tenant-scoped key scheme, simplified to a single-tenant daemon.
type Resource string

const (
	ResourceTask       Resource = "tasks"
	ResourceCheckpoint Resource = "checkpoints"
	ResourceEpoch      Resource = "epochs"
)

// Key builds a namespaced Redis key: taskforge:{resource}:{id}.
func Key(resource Resource, id string) string {
	return fmt.Sprintf("taskforge:%s:%s", resource, id)
}

// Prefix builds a scan-safe namespaced prefix: taskforge:{resource}:.
func Prefix(resource Resource) string {
	return fmt.Sprintf("taskforge:%s:", resource)
}
