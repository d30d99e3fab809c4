// Package asset manages the on-disk lifetime of uploaded images. Each upload
// is written under a unique name, handed to exactly one request, and removed
// exactly once when that request finishes.
package asset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/pneumoscan/internal/model"
)

const mib = 1024 * 1024

// DefaultLimit is the maximum upload size when none is configured.
const DefaultLimit = 10 * mib

var allowedExtensions = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
}

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// Store persists uploads in a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the upload directory if needed and returns a store rooted
// at its absolute path.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", abs, err)
	}
	return &Store{dir: abs, logger: logger}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// CheckType validates the declared file name and content type against the
// allow-set. Both must pass.
func CheckType(name, contentType string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return &ValidationError{Kind: UnsupportedType}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !allowedContentTypes[strings.ToLower(mediaType)] {
		return &ValidationError{Kind: UnsupportedType}
	}
	return nil
}

// Save validates and writes r to a new file. It returns a *ValidationError
// when the type is not allowed, more than limit bytes are read, or reading r
// fails before EOF; in each case nothing is left on disk.
func (s *Store) Save(r io.Reader, name, contentType string, limit int64) (*model.UploadedAsset, error) {
	if err := CheckType(name, contentType); err != nil {
		return nil, Reject(UnsupportedType, 0)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	id := model.NewID()
	path := filepath.Join(s.dir, id+strings.ToLower(filepath.Ext(name)))

	// O_EXCL guarantees no two requests ever share a file.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create asset file: %w", err)
	}

	src := &sourceReader{r: io.LimitReader(r, limit+1)}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	if copyErr == nil && n > limit {
		s.discard(path)
		return nil, Reject(TooLarge, limit)
	}
	if copyErr != nil {
		s.discard(path)
		// The HTTP layer caps the whole request body too; hitting that cap
		// mid-copy is the same rejection.
		var maxErr *http.MaxBytesError
		if errors.As(copyErr, &maxErr) {
			return nil, Reject(TooLarge, limit)
		}
		if src.err != nil {
			s.logger.Debug("upload stream broke off", "bytes", n, "error", src.err)
			return nil, Reject(Malformed, 0)
		}
		return nil, fmt.Errorf("write asset file: %w", copyErr)
	}
	if closeErr != nil {
		s.discard(path)
		return nil, fmt.Errorf("close asset file: %w", closeErr)
	}

	uploadBytes.Observe(float64(n))
	return &model.UploadedAsset{
		ID:           id,
		Path:         path,
		OriginalName: name,
		ContentType:  contentType,
		Size:         n,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Release removes the asset's file. Only the first call on an asset touches
// the filesystem; later calls return immediately. Removal failures are logged
// and counted, never returned.
func (s *Store) Release(a *model.UploadedAsset) {
	if a == nil || !a.MarkReleased() {
		return
	}
	if err := os.Remove(a.Path); err != nil {
		cleanupFailures.Inc()
		s.logger.Warn("asset cleanup failed", "asset_id", a.ID, "path", a.Path, "error", err)
		return
	}
	s.logger.Debug("asset released", "asset_id", a.ID)
}

// Sweep removes regular files in the upload directory older than maxAge. It
// is meant to run at startup, before any request is served, to collect files
// orphaned by a previous crash. It returns the number of files removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sweep remove failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sourceReader remembers the first read error of the upload stream so that a
// client that stops mid-upload is told apart from a local write failure.
type sourceReader struct {
	r   io.Reader
	err error
}

func (sr *sourceReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if err != nil && err != io.EOF && sr.err == nil {
		sr.err = err
	}
	return n, err
}

func (s *Store) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		cleanupFailures.Inc()
		s.logger.Warn("discard partial upload failed", "path", path, "error", err)
	}
}
