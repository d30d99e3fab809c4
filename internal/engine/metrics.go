package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/pneumoscan/internal/asset"
	"github.com/seantiz/pneumoscan/internal/broker"
	"github.com/seantiz/pneumoscan/internal/worker"
)

// Prediction outcome label values.
const (
	OutcomeSuccess    = "success"
	OutcomeValidation = "validation_error"
	OutcomeSpawn      = "spawn_error"
	OutcomeWorker     = "worker_error"
	OutcomeParse      = "parse_error"
	OutcomeInternal   = "internal_error"
)

var predictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pneumoscan_predictions_total",
		Help: "Total number of prediction requests by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(predictionsTotal)

	for _, o := range []string{OutcomeSuccess, OutcomeValidation, OutcomeSpawn, OutcomeWorker, OutcomeParse, OutcomeInternal} {
		predictionsTotal.WithLabelValues(o)
	}
}

// outcomeLabel classifies a Predict error.
func outcomeLabel(err error) string {
	var (
		validationErr *asset.ValidationError
		spawnErr      *worker.SpawnError
		workerErr     *broker.WorkerError
		parseErr      *broker.ParseError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &validationErr):
		return OutcomeValidation
	case errors.As(err, &spawnErr):
		return OutcomeSpawn
	case errors.As(err, &workerErr):
		return OutcomeWorker
	case errors.As(err, &parseErr):
		return OutcomeParse
	default:
		return OutcomeInternal
	}
}
