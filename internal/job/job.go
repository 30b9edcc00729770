// Package job defines the shared value types for sync work: the queue job
// record, its status lifecycle, and the two-kind error classification used
// by the engine to route failures.
package job

import "time"

// Status is the lifecycle state of a queue job.
//
// Lifecycle: pending → processing → done | failed → dead.
// A job is immutable once its status is done or dead.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Direction distinguishes which side initiated the sync.
type Direction string

const (
	// LocalToRemote pushes a local record to the ERP.
	LocalToRemote Direction = "local_to_remote"
	// RemoteToLocal pulls an ERP record into the local system.
	RemoteToLocal Direction = "remote_to_local"
)

// Action is the operation carried by a job.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Job is one unit of sync work. IDs are assigned by the queue at enqueue
// time and are monotonic per database.
type Job struct {
	ID          int64
	TenantID    string
	Module      string
	EntityType  string
	Direction   Direction
	Action      Action
	LocalID     int64
	RemoteID    int64
	Payload     []byte
	Priority    int
	Status      Status
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the job has reached an immutable state.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusDead
}

// Batchable reports whether the job is eligible for bulk-create batching.
// Only local→remote creates qualify.
func (j *Job) Batchable() bool {
	return j.Direction == LocalToRemote && j.Action == ActionCreate
}

// GroupKey identifies the batch group a job belongs to.
type GroupKey struct {
	Module     string
	EntityType string
}

// Group returns the job's batch group key.
func (j *Job) Group() GroupKey {
	return GroupKey{Module: j.Module, EntityType: j.EntityType}
}
