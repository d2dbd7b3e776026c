package capture

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
)

// Interceptor spies on a response: it records the status, a copy of the
// headers and up to maxCapture body bytes while forwarding every call to the
// real writer straight away. Optional interfaces of the underlying writer
// (Flusher, Hijacker, ReaderFrom, Pusher) survive the wrap.
type Interceptor struct {
	w           http.ResponseWriter
	maxCapture  int
	captureBody bool

	mu          sync.Mutex
	status      int
	wroteHeader bool
	header      http.Header
	body        bytes.Buffer
	written     int64
	truncated   bool
}

// NewInterceptor wraps w. maxCapture <= 0 keeps the whole body.
func NewInterceptor(w http.ResponseWriter, maxCapture int, captureBody bool) *Interceptor {
	return &Interceptor{
		w:           w,
		maxCapture:  maxCapture,
		captureBody: captureBody,
	}
}

// Writer returns the ResponseWriter to hand to the downstream handler.
func (i *Interceptor) Writer() http.ResponseWriter {
	return httpsnoop.Wrap(i.w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				i.recordHeader(code)
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(p []byte) (int, error) {
				i.recordHeader(http.StatusOK)
				i.capture(p)
				n, err := next(p)
				i.addWritten(int64(n))
				return n, err
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				i.recordHeader(http.StatusOK)
				if i.captureBody {
					// Tee only when we keep bytes; a bare src keeps sendfile.
					src = io.TeeReader(src, captureWriter{i})
				}
				n, err := next(src)
				i.addWritten(n)
				return n, err
			}
		},
	})
}

func (i *Interceptor) recordHeader(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.wroteHeader {
		return
	}
	// Informational responses are not the final status.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		return
	}
	i.status = code
	i.wroteHeader = true
	i.header = i.w.Header().Clone()
}

func (i *Interceptor) capture(p []byte) {
	if !i.captureBody || len(p) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.maxCapture <= 0 {
		i.body.Write(p)
		return
	}
	room := i.maxCapture - i.body.Len()
	if room <= 0 {
		i.truncated = true
		return
	}
	if len(p) > room {
		i.body.Write(p[:room])
		i.truncated = true
		return
	}
	i.body.Write(p)
}

func (i *Interceptor) addWritten(n int64) {
	i.mu.Lock()
	i.written += n
	i.mu.Unlock()
}

// Status returns the recorded status and whether a header was written at all.
func (i *Interceptor) Status() (int, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status, i.wroteHeader
}

// Header returns the headers as they were when the status was written.
func (i *Interceptor) Header() http.Header {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.header
}

// Body returns a copy of the captured body bytes.
func (i *Interceptor) Body() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return bytes.Clone(i.body.Bytes())
}

// Written returns the number of body bytes accepted by the real writer.
func (i *Interceptor) Written() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.written
}

// Truncated reports whether body bytes were dropped at the capture cap.
func (i *Interceptor) Truncated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.truncated
}

type captureWriter struct{ i *Interceptor }

func (c captureWriter) Write(p []byte) (int, error) {
	c.i.capture(p)
	return len(p), nil
}
