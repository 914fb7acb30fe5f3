package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the externally visible state of a scheduled job.
type JobStatus string

const (
	JobStatusNone     JobStatus = "none"
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusFailed   JobStatus = "failed"
	JobStatusComplete JobStatus = "complete"
)

// Job is one unit of scheduled work, persisted for status queries.
// (TaskName, TargetKey) identifies the work; at most one job per pair may be
// running at any time.
type Job struct {
	ID          uuid.UUID      `json:"id"`
	TaskName    string         `json:"task_name"`
	TargetKey   string         `json:"target_key"`
	Args        map[string]any `json:"args,omitempty"`
	Status      JobStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
