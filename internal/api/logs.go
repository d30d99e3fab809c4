package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/pneumoscan/internal/model"
)

// handleStreamLogs streams a running job's worker stderr as server-sent
// events. A finished job yields an immediate done event.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	done := func(status string) {
		_ = writeSSEEvent(w, "done", status)
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(job.Status) {
		w.WriteHeader(http.StatusOK)
		done(job.Status)
		return
	}

	// Predictions can outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}

	// Subscribing after the job finished returns a closed channel, so the
	// race with the status check above ends the loop immediately.
	ch, unsub := s.engine.Broker().Subscribe(job.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				done(s.finalStatus(r.Context(), job))
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/jobs/{id}/logs/history.
type logHistoryResponse struct {
	JobID  string           `json:"job_id"`
	Status string           `json:"status"`
	Lines  []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("get log lines", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		JobID:  job.ID,
		Status: job.Status,
		Lines:  lines,
	})
}

// writeSSEData writes a line as an SSE data event. Embedded newlines each get
// their own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

// finalStatus re-reads job after its log topic closed, falling back to the
// status seen when the stream started.
func (s *Server) finalStatus(ctx context.Context, job *model.JobRecord) string {
	latest, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return job.Status
	}
	return latest.Status
}
