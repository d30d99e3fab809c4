package api

import "net/http"

// Service identity reported by GET /.
const (
	serviceName    = "Pneumonia Detection API"
	serviceVersion = "1.0.0"
)

type descriptorResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

var descriptor = descriptorResponse{
	Message: serviceName,
	Version: serviceVersion,
	Endpoints: map[string]string{
		"predict": "POST /predict - Upload X-ray image for prediction",
		"jobs":    "GET /v1/jobs - List recent predictions",
		"stats":   "GET /v1/stats - Prediction statistics",
		"health":  "GET /healthz - Liveness check",
		"metrics": "GET /metrics - Prometheus metrics",
	},
}

func (s *Server) handleDescriptor(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, descriptor)
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	ActiveLogs  int    `json:"active_log_streams"`
	UploadLimit int64  `json:"upload_limit_bytes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Version:     serviceVersion,
		ActiveLogs:  s.engine.Broker().Open(),
		UploadLimit: s.uploadLimit,
	})
}
