// Package broker interprets a finished worker job into a prediction result or
// a typed failure. It never runs processes and never touches the filesystem.
package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/seantiz/pneumoscan/internal/model"
	"github.com/seantiz/pneumoscan/internal/worker"
)

// UnknownErrorDetails is reported when a failed worker wrote nothing to stderr.
const UnknownErrorDetails = "Unknown error occurred"

// WorkerError is returned when the worker exited with a nonzero code.
type WorkerError struct {
	// Details is the worker's trimmed stderr, or UnknownErrorDetails.
	Details  string
	ExitCode int
	TimedOut bool
}

func (e *WorkerError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("worker timed out (exit code %d)", e.ExitCode)
	}
	return fmt.Sprintf("worker exited with code %d", e.ExitCode)
}

// ParseError is returned when a worker exited 0 but its stdout is not a valid
// prediction.
type ParseError struct {
	// Raw is the worker's stdout exactly as captured.
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse prediction: " + e.Reason
}

// prediction uses pointers so that missing fields can be told apart from
// zero values.
type prediction struct {
	Result     *string  `json:"result"`
	Confidence *float64 `json:"confidence"`
}

// Interpret maps a job onto a result. A job that never started yields a
// *worker.SpawnError; a nonzero exit yields a *WorkerError; a zero exit with
// unusable output yields a *ParseError.
func Interpret(job *model.InferenceJob) (model.PredictionResult, error) {
	if job == nil {
		return model.PredictionResult{}, &worker.SpawnError{Err: errors.New("no job")}
	}
	if job.Status == model.StatusSpawnFailed || job.ExitCode == nil {
		return model.PredictionResult{}, &worker.SpawnError{Err: fmt.Errorf("job %s never started", job.ID)}
	}

	if code := *job.ExitCode; code != 0 || job.TimedOut {
		return model.PredictionResult{}, workerError(job, code)
	}

	return parse(job.Stdout)
}

func workerError(job *model.InferenceJob, code int) *WorkerError {
	details := strings.TrimSpace(string(job.Stderr))
	if job.TimedOut {
		note := fmt.Sprintf("worker timed out after %s", job.Timeout)
		if details == "" {
			details = note
		} else {
			details += "\n" + note
		}
	}
	if details == "" {
		details = UnknownErrorDetails
	}
	return &WorkerError{Details: details, ExitCode: code, TimedOut: job.TimedOut}
}

func parse(stdout []byte) (model.PredictionResult, error) {
	raw := string(stdout)
	fail := func(format string, args ...any) (model.PredictionResult, error) {
		return model.PredictionResult{}, &ParseError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
	}

	dec := json.NewDecoder(bytes.NewReader(stdout))
	var p prediction
	if err := dec.Decode(&p); err != nil {
		return fail("decode output: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail("unexpected data after prediction object")
	}
	if p.Result == nil {
		return fail("missing field \"result\"")
	}
	if p.Confidence == nil {
		return fail("missing field \"confidence\"")
	}
	if c := *p.Confidence; c < 0 || c > 1 {
		return fail("confidence %v outside [0,1]", c)
	}
	return model.PredictionResult{Result: *p.Result, Confidence: *p.Confidence}, nil
}
