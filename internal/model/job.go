package model

import "time"

// Job status constants. A job moves forward through
// pending → running → exited → succeeded|failed and never back;
// spawn_failed is the terminal state for a worker that never started.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusExited      = "exited"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusSpawnFailed = "spawn_failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:     true,
		StatusSpawnFailed: true,
	},
	StatusRunning: {
		StatusExited: true,
	},
	StatusExited: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusSpawnFailed:
		return true
	}
	return false
}

// InferenceJob is one execution of the worker bound to one asset.
type InferenceJob struct {
	ID    string         `json:"id"`
	Asset *UploadedAsset `json:"-"`
	PID   int            `json:"pid,omitempty"`

	Stdout []byte `json:"-"`
	Stderr []byte `json:"-"`

	// ExitCode is nil until the process has exited.
	ExitCode *int `json:"exit_code,omitempty"`
	// Timeout is the runtime limit the worker ran under; zero means none.
	Timeout  time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Status   string        `json:"status"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Advance moves the job to status if the transition is allowed and reports
// whether it did.
func (j *InferenceJob) Advance(status string) bool {
	if !ValidTransition(j.Status, status) {
		return false
	}
	j.Status = status
	return true
}

// JobRecord is the persisted view of a job, including its interpretation.
type JobRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	AssetName   string     `json:"asset_name"`
	ContentType string     `json:"content_type"`
	SizeBytes   int64      `json:"size_bytes"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Result      string     `json:"result,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// LogLine is a single persisted stderr line from a worker.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
