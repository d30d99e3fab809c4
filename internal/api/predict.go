package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/seantiz/pneumoscan/internal/asset"
	"github.com/seantiz/pneumoscan/internal/broker"
	"github.com/seantiz/pneumoscan/internal/engine"
	"github.com/seantiz/pneumoscan/internal/model"
	"github.com/seantiz/pneumoscan/internal/worker"
)

const (
	// imageField is the multipart field that carries the upload.
	imageField = "image"
	// multipartSlack is allowed on top of the upload limit for multipart
	// framing and any other form fields.
	multipartSlack = 64 * 1024
	jobIDHeader    = "X-Job-Id"
)

// Client-facing messages for server-side failures.
const (
	msgSpawnFailed      = "Failed to start prediction process"
	msgSpawnDetails     = "Ensure Python is installed and accessible"
	msgPredictionFailed = "Prediction failed"
	msgParseFailed      = "Failed to parse prediction result"
)

// failureResponse is the body of a 500 from POST /predict.
type failureResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit+multipartSlack)

	up, err := s.readUpload(r)
	if err != nil {
		s.writePredictError(w, err)
		return
	}

	out, err := s.engine.Predict(r.Context(), up)
	if out.JobID != "" {
		w.Header().Set(jobIDHeader, out.JobID)
	}
	if err != nil {
		s.writePredictError(w, err)
	} else {
		s.writeJSON(w, http.StatusOK, out.Result)
	}
	out.Advance(model.StageResponded)
}

// readUpload scans the multipart body for the image file part. It returns an
// Upload with a nil Body when no file was sent. The returned part streams
// straight from the request body.
func (s *Server) readUpload(r *http.Request) (engine.Upload, error) {
	up := engine.Upload{Limit: s.uploadLimit}

	mr, err := r.MultipartReader()
	if err != nil {
		// Not a multipart request at all: there is no file.
		return up, nil
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return up, nil
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return up, asset.Reject(asset.TooLarge, s.uploadLimit)
			}
			s.logger.Debug("unreadable multipart body", "error", err)
			return up, asset.Reject(asset.Malformed, 0)
		}
		if isImagePart(part) {
			up.Body = part
			up.Name = part.FileName()
			up.ContentType = part.Header.Get("Content-Type")
			return up, nil
		}
	}
}

func isImagePart(p *multipart.Part) bool {
	return p.FormName() == imageField && p.FileName() != ""
}

// writePredictError maps a prediction failure onto the wire.
func (s *Server) writePredictError(w http.ResponseWriter, err error) {
	var (
		validationErr *asset.ValidationError
		spawnErr      *worker.SpawnError
		workerErr     *broker.WorkerError
		parseErr      *broker.ParseError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &spawnErr):
		s.logger.Error("prediction process failed to start", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, failureResponse{Error: msgSpawnFailed, Details: msgSpawnDetails})
	case errors.As(err, &workerErr):
		s.writeJSON(w, http.StatusInternalServerError, failureResponse{Error: msgPredictionFailed, Details: workerErr.Details})
	case errors.As(err, &parseErr):
		s.logger.Warn("unparsable worker output", "reason", parseErr.Reason)
		s.writeJSON(w, http.StatusInternalServerError, failureResponse{Error: msgParseFailed, Details: parseErr.Raw})
	default:
		s.logger.Error("prediction failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, failureResponse{Error: msgPredictionFailed, Details: broker.UnknownErrorDetails})
	}
}
