package worker

import "bytes"

// maxLineBytes caps a buffered partial line; longer lines are emitted in
// pieces.
const maxLineBytes = 64 * 1024

// lineWriter splits a byte stream into lines and hands each complete line to
// fn. It is used by a single exec copy goroutine and is not safe for
// concurrent writes.
type lineWriter struct {
	fn  LineFunc
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	if lw.fn == nil {
		return len(p), nil
	}
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		lw.emit(lw.buf[:idx])
		lw.buf = lw.buf[idx+1:]
	}
	for len(lw.buf) >= maxLineBytes {
		lw.emit(lw.buf[:maxLineBytes])
		lw.buf = lw.buf[maxLineBytes:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (lw *lineWriter) Flush() {
	if lw.fn == nil || len(lw.buf) == 0 {
		return
	}
	lw.emit(lw.buf)
	lw.buf = nil
}

func (lw *lineWriter) emit(b []byte) {
	line := string(bytes.TrimSuffix(b, []byte{'\r'}))
	if line == "" {
		return
	}
	lw.fn(line)
}
