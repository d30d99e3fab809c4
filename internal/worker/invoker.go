package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/pneumoscan/internal/model"
)

// waitDelay bounds how long Wait blocks on output pipes after the worker
// itself has been killed, e.g. when a grandchild still holds stderr open.
const waitDelay = 5 * time.Second

// SpawnError is returned when the worker process could not be started at all.
// It is never used for a process that started and then exited nonzero.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start worker: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// LineFunc receives complete stderr lines while the worker runs.
type LineFunc func(line string)

// Hooks receive events from a running worker. Nil fields are skipped. Hooks
// are called from the invoking goroutine or the stderr copy goroutine and
// must not block for long.
type Hooks struct {
	// OnStart is called once the process has started.
	OnStart func(pid int)
	// OnStderr is called for each complete stderr line.
	OnStderr LineFunc
}

// Options configures an Invoker.
type Options struct {
	// Command is the interpreter and its fixed arguments. The asset path is
	// appended as the final argument.
	Command []string
	// Timeout bounds worker runtime. Zero disables it.
	Timeout time.Duration
	// MaxConcurrent caps simultaneously running workers. Zero means unbounded.
	MaxConcurrent int
	// KillOnCancel kills the worker when the caller's context is canceled.
	// When false the worker runs to completion even if the caller has gone.
	KillOnCancel bool
}

// Invoker spawns and supervises worker processes.
type Invoker struct {
	command      []string
	timeout      time.Duration
	killOnCancel bool
	slots        *semaphore.Weighted
	logger       *slog.Logger
}

// NewInvoker validates opts and returns an Invoker.
func NewInvoker(opts Options, logger *slog.Logger) (*Invoker, error) {
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, errors.New("worker command is empty")
	}
	inv := &Invoker{
		command:      append([]string(nil), opts.Command...),
		timeout:      opts.Timeout,
		killOnCancel: opts.KillOnCancel,
		logger:       logger,
	}
	if opts.MaxConcurrent > 0 {
		inv.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return inv, nil
}

// Invoke runs the worker for asset a and blocks until it exits. The returned
// job is never nil. If the process cannot be started the job has status
// spawn_failed and the error is a *SpawnError; otherwise the job has status
// exited, carries the exit code and both output buffers, and the error is nil
// regardless of the exit code.
func (inv *Invoker) Invoke(ctx context.Context, jobID string, a *model.UploadedAsset, hooks Hooks) (*model.InferenceJob, error) {
	job := &model.InferenceJob{
		ID:      jobID,
		Asset:   a,
		Timeout: inv.timeout,
		Status:  model.StatusPending,
	}

	release, err := inv.acquire(ctx)
	if err != nil {
		return inv.spawnFailed(job, err)
	}
	defer release()

	// Without KillOnCancel the worker outlives a disconnected caller.
	runCtx := ctx
	if !inv.killOnCancel {
		runCtx = context.WithoutCancel(ctx)
	}
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, inv.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), inv.command[1:]...), a.Path)
	cmd := exec.CommandContext(runCtx, inv.command[0], args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	lines := &lineWriter{fn: hooks.OnStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, lines)

	if err := cmd.Start(); err != nil {
		return inv.spawnFailed(job, err)
	}

	start := time.Now()
	job.PID = cmd.Process.Pid
	job.StartedAt = &start
	job.Advance(model.StatusRunning)
	activeWorkers.Inc()
	inv.logger.Debug("worker started", "job_id", jobID, "pid", job.PID)
	if hooks.OnStart != nil {
		hooks.OnStart(job.PID)
	}

	waitErr := cmd.Wait()
	activeWorkers.Dec()
	lines.Flush()

	finished := time.Now()
	exitCode := exitCodeOf(cmd, waitErr)
	job.Stdout = stdout.Bytes()
	job.Stderr = stderr.Bytes()
	job.ExitCode = &exitCode
	job.FinishedAt = &finished
	job.TimedOut = inv.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	job.Advance(model.StatusExited)

	workerDuration.Observe(finished.Sub(start).Seconds())
	invocationsTotal.WithLabelValues(outcomeLabel(job)).Inc()
	inv.logger.Debug("worker exited",
		"job_id", jobID,
		"pid", job.PID,
		"exit_code", exitCode,
		"timed_out", job.TimedOut,
		"duration_ms", finished.Sub(start).Milliseconds(),
	)
	return job, nil
}

// Timeout returns the configured worker timeout.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}

// acquire waits for a worker slot. The returned func frees it.
func (inv *Invoker) acquire(ctx context.Context) (func(), error) {
	if inv.slots == nil {
		return func() {}, nil
	}
	start := time.Now()
	if err := inv.slots.Acquire(ctx, 1); err != nil {
		return func() {}, fmt.Errorf("wait for worker slot: %w", err)
	}
	queueWait.Observe(time.Since(start).Seconds())
	return func() { inv.slots.Release(1) }, nil
}

func (inv *Invoker) spawnFailed(job *model.InferenceJob, err error) (*model.InferenceJob, error) {
	job.Advance(model.StatusSpawnFailed)
	invocationsTotal.WithLabelValues(outcomeSpawnFailed).Inc()
	inv.logger.Error("worker spawn failed", "job_id", job.ID, "command", inv.command[0], "error", err)
	return job, &SpawnError{Err: err}
}

// exitCodeOf extracts the process exit code. A process killed by a signal
// reports -1.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
