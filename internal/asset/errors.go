package asset

import "fmt"

// ValidationKind enumerates why an upload was rejected.
type ValidationKind int

const (
	// UnsupportedType means the file extension or declared content type is
	// outside the allow-set.
	UnsupportedType ValidationKind = iota + 1
	// TooLarge means the upload exceeded the size limit.
	TooLarge
	// MissingFile means the request carried no file field.
	MissingFile
	// Malformed means the request body ended or broke off before the upload
	// was complete.
	Malformed
)

func (k ValidationKind) String() string {
	switch k {
	case UnsupportedType:
		return "unsupported_type"
	case TooLarge:
		return "too_large"
	case MissingFile:
		return "missing_file"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ValidationError is returned when an upload is rejected before anything is
// persisted.
type ValidationError struct {
	Kind  ValidationKind
	Limit int64
}

// Error returns the client-facing message for the rejection.
func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnsupportedType:
		return "Only image files (JPEG, JPG, PNG) are allowed"
	case TooLarge:
		if e.Limit >= mib && e.Limit%mib == 0 {
			return fmt.Sprintf("File size too large. Maximum %dMB allowed", e.Limit/mib)
		}
		return fmt.Sprintf("File size too large. Maximum %d bytes allowed", e.Limit)
	case MissingFile:
		return "No image file uploaded"
	case Malformed:
		return "Invalid multipart body"
	default:
		return "invalid upload"
	}
}

// Reject records a rejection of the given kind and returns its error. limit is
// only used by TooLarge.
func Reject(kind ValidationKind, limit int64) *ValidationError {
	uploadsRejected.WithLabelValues(kind.String()).Inc()
	return &ValidationError{Kind: kind, Limit: limit}
}
