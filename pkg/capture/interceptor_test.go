package capture

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// chunkRecorder keeps every Write call separately.
type chunkRecorder struct {
	*httptest.ResponseRecorder
	chunks [][]byte
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.chunks = append(c.chunks, append([]byte(nil), p...))
	return c.ResponseRecorder.Write(p)
}

func TestInterceptorForwardsChunksUnchanged(t *testing.T) {
	rec := &chunkRecorder{ResponseRecorder: httptest.NewRecorder()}
	ic := NewInterceptor(rec, 1024, true)
	w := ic.Writer()

	sent := []string{"first,", "second,", "", "third"}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	for _, s := range sent {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}

	if len(rec.chunks) != len(sent) {
		t.Fatalf("forwarded %d chunks, want %d", len(rec.chunks), len(sent))
	}
	for i, s := range sent {
		if string(rec.chunks[i]) != s {
			t.Errorf("chunk %d = %q, want %q", i, rec.chunks[i], s)
		}
	}

	status, ok := ic.Status()
	if !ok || status != http.StatusCreated {
		t.Errorf("Status() = %d, %v", status, ok)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("client status = %d", rec.Code)
	}
	if ic.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("captured header = %v", ic.Header())
	}
	if string(ic.Body()) != "first,second,third" {
		t.Errorf("captured body = %q", ic.Body())
	}
	if ic.Written() != int64(len("first,second,third")) {
		t.Errorf("Written() = %d", ic.Written())
	}
}

func TestInterceptorTruncatesCaptureOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	ic := NewInterceptor(rec, 10, true)
	w := ic.Writer()

	body := strings.Repeat("x", 25)
	_, _ = w.Write([]byte(body[:8]))
	_, _ = w.Write([]byte(body[8:]))

	if rec.Body.String() != body {
		t.Errorf("client body modified: %q", rec.Body.String())
	}
	if len(ic.Body()) != 10 {
		t.Errorf("captured %d bytes, want 10", len(ic.Body()))
	}
	if !ic.Truncated() {
		t.Error("Truncated() = false")
	}
	if ic.Written() != 25 {
		t.Errorf("Written() = %d, want 25", ic.Written())
	}
}

func TestInterceptorImplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	ic := NewInterceptor(rec, 0, true)
	w := ic.Writer()

	_, _ = w.Write([]byte("ok"))
	w.WriteHeader(http.StatusTeapot)

	status, ok := ic.Status()
	if !ok || status != http.StatusOK {
		t.Errorf("Status() = %d, %v, want 200", status, ok)
	}
}

func TestInterceptorIgnoresInformational(t *testing.T) {
	rec := httptest.NewRecorder()
	ic := NewInterceptor(rec, 0, false)
	w := ic.Writer()

	w.WriteHeader(http.StatusEarlyHints)
	w.WriteHeader(http.StatusAccepted)

	status, _ := ic.Status()
	if status != http.StatusAccepted {
		t.Errorf("Status() = %d, want 202", status)
	}
	if len(ic.Body()) != 0 {
		t.Error("body captured while capture disabled")
	}
}

func TestInterceptorNoStatusWhenUntouched(t *testing.T) {
	ic := NewInterceptor(httptest.NewRecorder(), 0, true)
	_ = ic.Writer()
	if _, ok := ic.Status(); ok {
		t.Error("Status() reported a write that never happened")
	}
}

func TestInterceptorKeepsFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	ic := NewInterceptor(rec, 0, true)
	w := ic.Writer()

	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("wrapped writer lost http.Flusher")
	}
	_, _ = w.Write([]byte("event: ping\n\n"))
	f.Flush()
	if !rec.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}
}

// readFromRecorder adds io.ReaderFrom the way *http.response has it.
type readFromRecorder struct {
	*httptest.ResponseRecorder
}

func (r readFromRecorder) ReadFrom(src io.Reader) (int64, error) {
	return io.Copy(r.ResponseRecorder, src)
}

func TestInterceptorReadFrom(t *testing.T) {
	rec := httptest.NewRecorder()
	ic := NewInterceptor(readFromRecorder{rec}, 4, true)
	w := ic.Writer()

	rf, ok := w.(io.ReaderFrom)
	if !ok {
		t.Fatal("wrapped writer lost io.ReaderFrom")
	}
	n, err := rf.ReadFrom(strings.NewReader("streamed"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || rec.Body.String() != "streamed" {
		t.Errorf("ReadFrom wrote %d, body %q", n, rec.Body.String())
	}
	if string(ic.Body()) != "stre" || !ic.Truncated() {
		t.Errorf("captured %q truncated=%v", ic.Body(), ic.Truncated())
	}
}
