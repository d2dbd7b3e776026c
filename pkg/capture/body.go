// Package capture holds the per-request interception primitives: a replay
// buffer for request bodies and a response writer wrapper that records what
// the handler sends without holding it back.
package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Body replaces an http.Request body that the transport lets us read only once.
//
// The first read pulls the whole body from the transport and keeps it. Every
// read after that is served from the kept bytes. The Read that returns the
// last bytes of a pass also returns io.EOF and rewinds to offset 0, so a
// handler can call io.ReadAll or json.NewDecoder on r.Body as many times as
// it likes.
//
// If the transport read fails nothing is kept and the same error is returned
// to every later reader.
type Body struct {
	mu     sync.Mutex
	src    io.ReadCloser
	buf    []byte
	off    int
	loaded bool
	err    error
	pulls  int
	closed bool
}

// NewBody wraps rc. A nil rc behaves like http.NoBody.
func NewBody(rc io.ReadCloser) *Body {
	return &Body{src: rc}
}

// load reads the transport body once. Callers hold b.mu.
func (b *Body) load() error {
	if b.loaded || b.err != nil {
		return b.err
	}
	if b.src == nil || b.src == http.NoBody {
		b.loaded = true
		return nil
	}

	b.pulls++
	data, err := io.ReadAll(b.src)
	if err != nil {
		// Leave no partial buffer behind; downstream sees the transport error.
		b.err = err
		return err
	}
	b.buf = data
	b.loaded = true
	return nil
}

// Read implements io.Reader.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.load(); err != nil {
		return 0, err
	}
	if b.off >= len(b.buf) {
		b.off = 0
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.off:])
	b.off += n
	if b.off == len(b.buf) {
		// End of the pass: report io.EOF with the last bytes and rewind, so
		// a reader that stops early (json.Decoder) leaves the next one at 0.
		b.off = 0
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker over the kept bytes.
func (b *Body) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.load(); err != nil {
		return 0, err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.off) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("capture: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("capture: negative position")
	}
	if abs > int64(len(b.buf)) {
		abs = int64(len(b.buf))
	}
	b.off = int(abs)
	return abs, nil
}

// Close closes the transport body once. The kept bytes stay readable.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.src == nil {
		return nil
	}
	b.closed = true
	return b.src.Close()
}

// Bytes loads the body if needed and returns the kept bytes.
// The returned slice must not be modified.
func (b *Body) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.load(); err != nil {
		return nil, err
	}
	return b.buf, nil
}

// GetBody matches http.Request.GetBody and returns a fresh reader over the
// kept bytes.
func (b *Body) GetBody() (io.ReadCloser, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Loaded reports whether the transport body has been read successfully.
func (b *Body) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Err returns the transport read error, if any.
func (b *Body) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Closed reports whether Close was called.
func (b *Body) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pulls returns how many times the transport body was read: 0 or 1.
func (b *Body) Pulls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulls
}

// Install replaces r.Body with a Body and returns it. A request whose body
// is already a Body is left alone.
func Install(r *http.Request) *Body {
	if b, ok := r.Body.(*Body); ok {
		return b
	}
	b := NewBody(r.Body)
	r.Body = b
	r.GetBody = b.GetBody
	return b
}

// ReadBody returns the full request body and leaves it readable for the next
// caller, with or without the logging middleware in front of the handler.
func ReadBody(r *http.Request) ([]byte, error) {
	return Install(r).Bytes()
}

// DecodeJSON decodes the request body into v without consuming it.
func DecodeJSON(r *http.Request, v any) error {
	data, err := ReadBody(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
