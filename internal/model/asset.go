package model

import (
	"sync/atomic"
	"time"
)

// UploadedAsset is the transiently stored upload for one request. It is owned
// by that request and removed exactly once.
type UploadedAsset struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`

	released atomic.Bool
}

// MarkReleased records that the asset's file has been handed to removal. It
// returns false if it was already marked.
func (a *UploadedAsset) MarkReleased() bool {
	return a.released.CompareAndSwap(false, true)
}

// Released reports whether MarkReleased has been called.
func (a *UploadedAsset) Released() bool {
	return a.released.Load()
}

// PredictionResult is the parsed worker output.
type PredictionResult struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}
