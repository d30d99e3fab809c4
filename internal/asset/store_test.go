package asset

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func rejected(t *testing.T, kind ValidationKind) float64 {
	t.Helper()
	return counterValue(t, uploadsRejected.WithLabelValues(kind.String()))
}

func checkValidation(t *testing.T, err error, kind ValidationKind) {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %T (%v), want *ValidationError", err, err)
	}
	if vErr.Kind != kind {
		t.Errorf("Kind = %v, want %v", vErr.Kind, kind)
	}
}

// brokenReader yields data and then fails the way a client that drops
// mid-upload does.
type brokenReader struct {
	data []byte
	err  error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSavePersistsFile(t *testing.T) {
	s := newTestStore(t)
	content := []byte("\x89PNG fake image bytes")

	a, err := s.Save(bytes.NewReader(content), "chest.PNG", "image/png", DefaultLimit)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if len(a.ID) != 26 {
		t.Errorf("ID = %q, want 26-char ULID", a.ID)
	}
	if !filepath.IsAbs(a.Path) {
		t.Errorf("Path = %q, want absolute", a.Path)
	}
	if filepath.Dir(a.Path) != s.Dir() {
		t.Errorf("Path dir = %q, want %q", filepath.Dir(a.Path), s.Dir())
	}
	if ext := filepath.Ext(a.Path); ext != ".png" {
		t.Errorf("extension = %q, want .png", ext)
	}
	if a.OriginalName != "chest.PNG" {
		t.Errorf("OriginalName = %q, want %q", a.OriginalName, "chest.PNG")
	}
	if a.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", a.ContentType)
	}
	if a.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", a.Size, len(content))
	}
	if time.Since(a.CreatedAt) > 5*time.Second {
		t.Errorf("CreatedAt = %v, want recent", a.CreatedAt)
	}

	got, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want %q", got, content)
	}
	if n := len(dirEntries(t, s.Dir())); n != 1 {
		t.Errorf("upload dir has %d files, want 1", n)
	}
}

func TestSaveAcceptsExactlyLimit(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Save(bytes.NewReader(make([]byte, 64)), "x.jpg", "image/jpeg", 64)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.Size != 64 {
		t.Errorf("Size = %d, want 64", a.Size)
	}
}

func TestSaveRejectsTooLarge(t *testing.T) {
	s := newTestStore(t)
	before := rejected(t, TooLarge)

	a, err := s.Save(bytes.NewReader(make([]byte, 65)), "x.jpg", "image/jpeg", 64)

	if a != nil {
		t.Errorf("asset = %+v, want nil", a)
	}
	checkValidation(t, err, TooLarge)
	if names := dirEntries(t, s.Dir()); len(names) != 0 {
		t.Errorf("partial upload persisted: %v", names)
	}
	if got := rejected(t, TooLarge); got != before+1 {
		t.Errorf("too_large rejections = %v, want %v", got, before+1)
	}
}

func TestSaveRejectsBodyCapAsTooLarge(t *testing.T) {
	s := newTestStore(t)
	body := http.MaxBytesReader(httptest.NewRecorder(), io.NopCloser(bytes.NewReader(make([]byte, 100))), 10)

	_, err := s.Save(body, "x.png", "image/png", 64)

	checkValidation(t, err, TooLarge)
	if names := dirEntries(t, s.Dir()); len(names) != 0 {
		t.Errorf("partial upload persisted: %v", names)
	}
}

func TestSaveRejectsBrokenStreamAsMalformed(t *testing.T) {
	s := newTestStore(t)
	before := rejected(t, Malformed)

	a, err := s.Save(&brokenReader{data: []byte("\x89PNG partial"), err: io.ErrUnexpectedEOF}, "x.png", "image/png", DefaultLimit)

	if a != nil {
		t.Errorf("asset = %+v, want nil", a)
	}
	checkValidation(t, err, Malformed)
	if msg := err.Error(); msg != "Invalid multipart body" {
		t.Errorf("message = %q, want %q", msg, "Invalid multipart body")
	}
	if names := dirEntries(t, s.Dir()); len(names) != 0 {
		t.Errorf("partial upload persisted: %v", names)
	}
	if got := rejected(t, Malformed); got != before+1 {
		t.Errorf("malformed rejections = %v, want %v", got, before+1)
	}
}

func TestSaveWriteFailureIsNotValidation(t *testing.T) {
	s := newTestStore(t)
	// Removing the directory makes file creation fail on our side.
	if err := os.RemoveAll(s.Dir()); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	_, err := s.Save(strings.NewReader("img"), "x.png", "image/png", DefaultLimit)

	if err == nil {
		t.Fatal("Save succeeded, want error")
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		t.Errorf("local failure reported as client rejection: %v", err)
	}
}

func TestSaveRejectsUnsupportedTypes(t *testing.T) {
	tests := []struct {
		name        string
		fileName    string
		contentType string
	}{
		{"gif extension", "scan.gif", "image/png"},
		{"no extension", "scan", "image/png"},
		{"pdf content type", "scan.png", "application/pdf"},
		{"empty content type", "scan.jpg", ""},
		{"text upload", "notes.txt", "text/plain"},
		{"jpeg lookalike extension", "scan.jpegx", "image/jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.Save(strings.NewReader("data"), tt.fileName, tt.contentType, DefaultLimit)
			checkValidation(t, err, UnsupportedType)
			if names := dirEntries(t, s.Dir()); len(names) != 0 {
				t.Errorf("rejected upload persisted: %v", names)
			}
		})
	}
}

func TestCheckTypeAcceptsAllowSet(t *testing.T) {
	for _, tc := range [][2]string{
		{"a.jpg", "image/jpeg"},
		{"a.JPEG", "image/jpeg"},
		{"a.jpeg", "image/jpg"},
		{"a.png", "image/png; charset=binary"},
		{"a.Png", "IMAGE/PNG"},
	} {
		if err := CheckType(tc[0], tc[1]); err != nil {
			t.Errorf("CheckType(%q, %q) = %v, want nil", tc[0], tc[1], err)
		}
	}
}

func TestRejectCountsEveryKind(t *testing.T) {
	for _, kind := range []ValidationKind{UnsupportedType, TooLarge, MissingFile, Malformed} {
		before := rejected(t, kind)
		err := Reject(kind, 64)
		if err.Kind != kind {
			t.Errorf("Reject(%v).Kind = %v", kind, err.Kind)
		}
		if got := rejected(t, kind); got != before+1 {
			t.Errorf("%v rejections = %v, want %v", kind, got, before+1)
		}
	}
}

func TestReleaseRemovesFileOnce(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Save(strings.NewReader("img"), "a.jpg", "image/jpeg", DefaultLimit)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.Release(a)
	if _, err := os.Stat(a.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat after Release = %v, want not exist", err)
	}
	if !a.Released() {
		t.Error("Released() = false after Release")
	}

	failures := counterValue(t, cleanupFailures)
	s.Release(a)
	if got := counterValue(t, cleanupFailures); got != failures {
		t.Errorf("second Release changed cleanup failures from %v to %v", failures, got)
	}
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Save(strings.NewReader("img"), "a.jpg", "image/jpeg", DefaultLimit)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Remove(a.Path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	failures := counterValue(t, cleanupFailures)
	s.Release(a)
	if got := counterValue(t, cleanupFailures); got != failures+1 {
		t.Errorf("cleanup failures = %v, want %v", got, failures+1)
	}
}

func TestReleaseNilAsset(t *testing.T) {
	s := newTestStore(t)
	s.Release(nil)
}

func TestConcurrentSavesGetDistinctPaths(t *testing.T) {
	s := newTestStore(t)
	const n = 50

	var (
		mu    sync.Mutex
		paths = make(map[string]bool)
		wg    sync.WaitGroup
	)
	for i := range n {
		wg.Go(func() {
			a, err := s.Save(strings.NewReader(strings.Repeat("x", i+1)), "same.png", "image/png", DefaultLimit)
			if err != nil {
				t.Errorf("Save: %v", err)
				return
			}
			mu.Lock()
			paths[a.Path] = true
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(paths) != n {
		t.Errorf("distinct paths = %d, want %d", len(paths), n)
	}
	if got := len(dirEntries(t, s.Dir())); got != n {
		t.Errorf("upload dir has %d files, want %d", got, n)
	}
}

func TestSweepRemovesStaleFiles(t *testing.T) {
	s := newTestStore(t)
	stale := filepath.Join(s.Dir(), "stale.png")
	fresh := filepath.Join(s.Dir(), "fresh.png")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("img"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.Dir(), "subdir"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	names := dirEntries(t, s.Dir())
	slices.Sort(names)
	if want := []string{"fresh.png", "subdir"}; !slices.Equal(names, want) {
		t.Errorf("remaining = %v, want %v", names, want)
	}
}

func TestValidationErrorMessages(t *testing.T) {
	tests := []struct {
		err  *ValidationError
		want string
	}{
		{&ValidationError{Kind: UnsupportedType}, "Only image files (JPEG, JPG, PNG) are allowed"},
		{&ValidationError{Kind: TooLarge, Limit: DefaultLimit}, "File size too large. Maximum 10MB allowed"},
		{&ValidationError{Kind: TooLarge, Limit: 64}, "File size too large. Maximum 64 bytes allowed"},
		{&ValidationError{Kind: MissingFile}, "No image file uploaded"},
		{&ValidationError{Kind: Malformed}, "Invalid multipart body"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%v: Error() = %q, want %q", tt.err.Kind, got, tt.want)
		}
	}
}
