// Package store persists the history of prediction jobs and the stderr lines
// their workers produced.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/pneumoscan/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate prediction statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByResult map[string]int `json:"count_by_result"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.JobRecord) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	FailUnfinishedJobs(ctx context.Context, reason string) (int, error)
	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)
	Close() error
}
