package models

import "time"

// JobStatus enumerates the batch lifecycle states.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobPaused              JobStatus = "paused"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobCancelled:
		return true
	}
	return false
}

// ItemStatus enumerates per-item states.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemRetry      ItemStatus = "retry"
)

// Item is one unit of work inside a batch. Payload carries whatever the
// caller submitted (filename, url, currentAlt, ...) and passes through
// untouched; Result holds whatever the handler returned on success.
type Item struct {
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      ItemStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	ProposedAlt string         `json:"proposed_alt,omitempty"`
}

// Job is one batch of items plus bookkeeping. The queue is the only writer;
// values handed to callers are copies.
type Job struct {
	ID         string     `json:"id"`
	Type       string     `json:"type,omitempty"`
	Status     JobStatus  `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Paused     bool       `json:"paused"`
	Cancelled  bool       `json:"cancelled"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Items      []*Item    `json:"items"`
}

// Copy returns a copy safe to hand outside the queue. Payload and Result
// maps are shared; consumers treat them as read-only.
func (j *Job) Copy() *Job {
	out := *j
	out.Items = make([]*Item, len(j.Items))
	for i, it := range j.Items {
		dup := *it
		out.Items[i] = &dup
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// ItemProgress is the per-item slice of a progress snapshot.
type ItemProgress struct {
	ID          string         `json:"id"`
	Status      ItemStatus     `json:"status"`
	ProposedAlt string         `json:"proposed_alt,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Snapshot is a full-job progress event, emitted on every state change.
// Full snapshots trade bandwidth for simplicity; batches are bounded.
type Snapshot struct {
	JobID     string         `json:"job_id"`
	Status    JobStatus      `json:"status"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Paused    bool           `json:"paused"`
	Items     []ItemProgress `json:"items"`
}

// NewSnapshot builds a snapshot from the job's current state. The caller
// must hold whatever lock guards the job.
func NewSnapshot(j *Job) Snapshot {
	snap := Snapshot{
		JobID:     j.ID,
		Status:    j.Status,
		Total:     j.Total,
		Completed: j.Completed,
		Failed:    j.Failed,
		Paused:    j.Paused,
		Items:     make([]ItemProgress, len(j.Items)),
	}
	for i, it := range j.Items {
		snap.Items[i] = ItemProgress{
			ID:          it.ID,
			Status:      it.Status,
			ProposedAlt: it.ProposedAlt,
			Result:      it.Result,
			Error:       it.Error,
		}
	}
	return snap
}

// QueueStats is a coarse count of jobs by state for operational visibility.
type QueueStats struct {
	Running   int `json:"running"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}
