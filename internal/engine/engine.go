package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/pneumoscan/internal/asset"
	"github.com/seantiz/pneumoscan/internal/broker"
	"github.com/seantiz/pneumoscan/internal/model"
	"github.com/seantiz/pneumoscan/internal/store"
	"github.com/seantiz/pneumoscan/internal/worker"
)

// AssetStore persists uploads for the lifetime of one request.
type AssetStore interface {
	Save(r io.Reader, name, contentType string, limit int64) (*model.UploadedAsset, error)
	Release(a *model.UploadedAsset)
}

// Runner executes the worker for one asset.
type Runner interface {
	Invoke(ctx context.Context, jobID string, a *model.UploadedAsset, hooks worker.Hooks) (*model.InferenceJob, error)
}

// Upload is one inbound file. A nil Body means the request carried no file.
type Upload struct {
	Body        io.Reader
	Name        string
	ContentType string
	// Limit is the maximum accepted size in bytes.
	Limit int64
}

// Outcome describes how far a prediction got. JobID is empty when the upload
// was rejected before a job existed.
type Outcome struct {
	JobID  string
	Stages []model.Stage
	Result model.PredictionResult
}

// Advance appends stage if it comes after the last recorded stage and reports
// whether it did.
func (o *Outcome) Advance(stage model.Stage) bool {
	if n := len(o.Stages); n > 0 && !o.Stages[n-1].Before(stage) {
		return false
	}
	o.Stages = append(o.Stages, stage)
	return true
}

// Reached reports whether stage was recorded.
func (o *Outcome) Reached(stage model.Stage) bool {
	for _, s := range o.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Engine coordinates the asset store, the worker and the job history.
type Engine struct {
	assets AssetStore
	runner Runner
	store  store.Store
	logger *slog.Logger
	broker *LogBroker
}

// NewEngine creates a new prediction engine.
func NewEngine(assets AssetStore, runner Runner, s store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		assets: assets,
		runner: runner,
		store:  s,
		logger: logger,
		broker: NewLogBroker(),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Predict runs one upload through the pipeline. The returned Outcome is never
// nil. The error is one of *asset.ValidationError, *worker.SpawnError,
// *broker.WorkerError or *broker.ParseError. Once the asset has been stored
// it is released before Predict returns, on every path including panics.
func (e *Engine) Predict(ctx context.Context, up Upload) (*Outcome, error) {
	out := &Outcome{}
	err := e.predict(ctx, up, out)
	predictionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	return out, err
}

func (e *Engine) predict(ctx context.Context, up Upload, out *Outcome) error {
	out.Advance(model.StageReceived)

	if up.Body == nil {
		return asset.Reject(asset.MissingFile, 0)
	}
	a, err := e.assets.Save(up.Body, up.Name, up.ContentType, up.Limit)
	if err != nil {
		return err
	}
	out.Advance(model.StageValidated)
	out.Advance(model.StageStored)

	defer func() {
		e.assets.Release(a)
		out.Advance(model.StageCleaned)
	}()

	out.JobID = model.NewID()
	logger := e.logger.With("job_id", out.JobID)

	// History writes must survive a disconnected client.
	storeCtx := context.WithoutCancel(ctx)
	rec := &model.JobRecord{
		ID:          out.JobID,
		Status:      model.StatusPending,
		AssetName:   a.OriginalName,
		ContentType: a.ContentType,
		SizeBytes:   a.Size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateJob(storeCtx, rec); err != nil {
		logger.Error("failed to record job", "error", err)
	}
	defer e.broker.Close(out.JobID)

	finalized := false
	defer func() {
		if !finalized {
			e.finishPanicked(storeCtx, rec, logger)
		}
	}()

	job, invokeErr := e.runner.Invoke(ctx, out.JobID, a, e.hooks(storeCtx, out.JobID, logger))
	out.Advance(model.StageInvoked)

	// Interpretation runs even for a job that never started; the invoker's
	// own error carries the better cause.
	result, err := broker.Interpret(job)
	var spawnErr *worker.SpawnError
	if errors.As(invokeErr, &spawnErr) {
		err = spawnErr
	}
	out.Advance(model.StageInterpreted)
	out.Result = result

	e.finish(storeCtx, rec, job, result, err, logger)
	finalized = true
	return err
}

// hooks persists and publishes worker stderr lines and records the running
// transition.
func (e *Engine) hooks(ctx context.Context, jobID string, logger *slog.Logger) worker.Hooks {
	var seq atomic.Int32
	return worker.Hooks{
		OnStart: func(pid int) {
			if err := e.store.UpdateJobStatus(ctx, jobID, model.StatusRunning); err != nil {
				logger.Error("failed to transition to running", "pid", pid, "error", err)
			}
		},
		OnStderr: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(ctx, jobID, currentSeq, line); err != nil {
				logger.Error("failed to persist log line", "seq", currentSeq, "error", err)
			}
			e.broker.Publish(jobID, line)
		},
	}
}

// finish writes the terminal state of the job to the store.
func (e *Engine) finish(ctx context.Context, rec *model.JobRecord, job *model.InferenceJob, result model.PredictionResult, err error, logger *slog.Logger) {
	if job != nil {
		rec.ExitCode = job.ExitCode
		rec.StartedAt = job.StartedAt
		rec.FinishedAt = job.FinishedAt
		if job.StartedAt != nil && job.FinishedAt != nil {
			ms := int(job.FinishedAt.Sub(*job.StartedAt).Milliseconds())
			rec.DurationMS = &ms
		}
	}

	var (
		workerErr *broker.WorkerError
		parseErr  *broker.ParseError
		spawnErr  *worker.SpawnError
	)
	switch {
	case err == nil:
		rec.Status = model.StatusSucceeded
		rec.Result = result.Result
		rec.Confidence = &result.Confidence
	case errors.As(err, &spawnErr):
		rec.Status = model.StatusSpawnFailed
		rec.Error = spawnErr.Error()
	case errors.As(err, &workerErr):
		rec.Status = model.StatusFailed
		rec.Error = workerErr.Error()
		rec.Details = workerErr.Details
	case errors.As(err, &parseErr):
		rec.Status = model.StatusFailed
		rec.Error = parseErr.Error()
		rec.Details = parseErr.Raw
	default:
		rec.Status = model.StatusFailed
		rec.Error = err.Error()
	}
	if rec.FinishedAt == nil {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}

	if rec.Status != model.StatusSpawnFailed {
		e.advanceStored(ctx, rec.ID, logger, model.StatusRunning, model.StatusExited)
	}
	if err := e.store.UpdateJob(ctx, rec); err != nil {
		logger.Error("failed to update finished job", "status", rec.Status, "error", err)
	}

	logger.Info("prediction finished",
		"status", rec.Status,
		"result", rec.Result,
		"exit_code", rec.ExitCode,
		"duration_ms", rec.DurationMS,
	)
}

// finishPanicked marks a job failed when the pipeline panicked after the job
// was recorded.
func (e *Engine) finishPanicked(ctx context.Context, rec *model.JobRecord, logger *slog.Logger) {
	now := time.Now().UTC()
	rec.Status = model.StatusFailed
	rec.Error = "prediction aborted"
	rec.FinishedAt = &now
	stored, err := e.store.GetJob(ctx, rec.ID)
	if err == nil && stored.Status == model.StatusPending {
		// pending cannot move to failed directly.
		rec.Status = model.StatusSpawnFailed
	} else {
		e.advanceStored(ctx, rec.ID, logger, model.StatusExited)
	}
	if err := e.store.UpdateJob(ctx, rec); err != nil {
		logger.Error("failed to update aborted job", "error", err)
	}
	logger.Error("prediction aborted")
}

// advanceStored walks the stored job forward through statuses, skipping any
// it has already passed.
func (e *Engine) advanceStored(ctx context.Context, id string, logger *slog.Logger, statuses ...string) {
	for _, status := range statuses {
		err := e.store.UpdateJobStatus(ctx, id, status)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			logger.Error("failed to update job status", "status", status, "error", err)
		}
	}
}
