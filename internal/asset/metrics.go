package asset

import "github.com/prometheus/client_golang/prometheus"

var (
	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pneumoscan_upload_bytes",
			Help:    "Size of accepted uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 7),
		},
	)

	uploadsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pneumoscan_uploads_rejected_total",
			Help: "Total number of uploads rejected by validation.",
		},
		[]string{"reason"},
	)

	cleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pneumoscan_asset_cleanup_failures_total",
			Help: "Total number of asset files that could not be removed.",
		},
	)
)

func init() {
	prometheus.MustRegister(uploadBytes)
	prometheus.MustRegister(uploadsRejected)
	prometheus.MustRegister(cleanupFailures)

	for _, k := range []ValidationKind{UnsupportedType, TooLarge, MissingFile, Malformed} {
		uploadsRejected.WithLabelValues(k.String())
	}
}
