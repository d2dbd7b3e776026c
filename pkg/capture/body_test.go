package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
)

// countingBody counts reads that reach the transport.
type countingBody struct {
	r      io.Reader
	reads  int
	closed bool
}

func (c *countingBody) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}

func (c *countingBody) Close() error {
	c.closed = true
	return nil
}

func TestBodyReplaysAfterEOF(t *testing.T) {
	payload := `{"name":"John","email":"john@example.com"}`
	src := &countingBody{r: strings.NewReader(payload)}
	b := NewBody(src)

	for i := 0; i < 3; i++ {
		got, err := io.ReadAll(b)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(got) != payload {
			t.Errorf("read %d = %q, want %q", i, got, payload)
		}
	}

	if b.Pulls() != 1 {
		t.Errorf("Pulls() = %d, want 1", b.Pulls())
	}
	readsAfter := src.reads
	if _, err := b.Bytes(); err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if src.reads != readsAfter {
		t.Errorf("transport read again after load")
	}
}

func TestBodyJSONDecodeTwice(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"name":"John"}`))
	Install(req)

	for i := 0; i < 3; i++ {
		var v map[string]string
		if err := json.NewDecoder(req.Body).Decode(&v); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if v["name"] != "John" {
			t.Errorf("decode %d name = %q", i, v["name"])
		}
	}
}

func TestBodyLastChunkCarriesEOF(t *testing.T) {
	b := NewBody(io.NopCloser(strings.NewReader("abcdef")))

	buf := make([]byte, 4)
	if n, err := b.Read(buf); n != 4 || err != nil {
		t.Fatalf("first Read = %d, %v", n, err)
	}
	n, err := b.Read(buf)
	if n != 2 || err != io.EOF || string(buf[:n]) != "ef" {
		t.Fatalf("second Read = %d %q, %v; want 2 \"ef\", EOF", n, buf[:n], err)
	}
	if n, err := b.Read(buf); n != 4 || err != nil || string(buf[:n]) != "abcd" {
		t.Errorf("Read after EOF = %d %q, %v; want a fresh pass", n, buf[:n], err)
	}
}

func TestBodyLargeJSONDecodeTwice(t *testing.T) {
	items := make([]string, 500)
	for i := range items {
		items[i] = strings.Repeat("x", 20)
	}
	payload, _ := json.Marshal(map[string][]string{"items": items})
	req := httptest.NewRequest(http.MethodPost, "/bulk", bytes.NewReader(payload))
	Install(req)

	for i := 0; i < 2; i++ {
		var v map[string][]string
		if err := json.NewDecoder(req.Body).Decode(&v); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if len(v["items"]) != 500 {
			t.Errorf("decode %d got %d items", i, len(v["items"]))
		}
	}
}

func TestBodySmallChunks(t *testing.T) {
	payload := strings.Repeat("abc", 100)
	b := NewBody(io.NopCloser(iotest.OneByteReader(strings.NewReader(payload))))

	var got bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := b.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if got.String() != payload {
		t.Errorf("chunked read mismatch: got %d bytes", got.Len())
	}

	again, err := io.ReadAll(b)
	if err != nil || string(again) != payload {
		t.Errorf("second pass = %q, %v", again, err)
	}
}

func TestBodyTransportFailureIsSticky(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))
	b := NewBody(io.NopCloser(src))

	for i := 0; i < 2; i++ {
		data, err := io.ReadAll(b)
		if !errors.Is(err, boom) {
			t.Fatalf("read %d err = %v, want %v", i, err, boom)
		}
		if len(data) != 0 {
			t.Errorf("read %d exposed partial data %q", i, data)
		}
	}
	if b.Loaded() {
		t.Error("Loaded() = true after failure")
	}
	if !errors.Is(b.Err(), boom) {
		t.Errorf("Err() = %v", b.Err())
	}
	if _, err := b.GetBody(); !errors.Is(err, boom) {
		t.Errorf("GetBody err = %v", err)
	}
}

func TestBodyTimeout(t *testing.T) {
	b := NewBody(io.NopCloser(iotest.TimeoutReader(strings.NewReader("abcdef"))))
	buf := make([]byte, 3)
	if _, err := b.Read(buf); !errors.Is(err, iotest.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if _, err := b.Read(buf); !errors.Is(err, iotest.ErrTimeout) {
		t.Fatalf("second err = %v, want timeout", err)
	}
}

func TestBodyNilAndNoBody(t *testing.T) {
	for name, rc := range map[string]io.ReadCloser{"nil": nil, "NoBody": http.NoBody} {
		t.Run(name, func(t *testing.T) {
			b := NewBody(rc)
			data, err := io.ReadAll(b)
			if err != nil || len(data) != 0 {
				t.Errorf("ReadAll = %q, %v", data, err)
			}
			if b.Pulls() != 0 {
				t.Errorf("Pulls() = %d, want 0", b.Pulls())
			}
			if err := b.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestBodySeekAndClose(t *testing.T) {
	src := &countingBody{r: strings.NewReader("hello world")}
	b := NewBody(src)

	if _, err := b.Seek(6, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	rest, _ := io.ReadAll(b)
	if string(rest) != "world" {
		t.Errorf("after seek = %q", rest)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !src.closed {
		t.Error("transport body not closed")
	}
	all, err := io.ReadAll(b)
	if err != nil || string(all) != "hello world" {
		t.Errorf("read after close = %q, %v", all, err)
	}
	if _, err := b.Seek(0, 42); err == nil {
		t.Error("expected error for bad whence")
	}
}

func TestReadBodyHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":1}`))

	first, err := ReadBody(req)
	if err != nil {
		t.Fatal(err)
	}
	var v struct{ ID int }
	if err := DecodeJSON(req, &v); err != nil {
		t.Fatal(err)
	}
	if v.ID != 1 || string(first) != `{"id":1}` {
		t.Errorf("ReadBody = %q, DecodeJSON = %+v", first, v)
	}

	rc, err := req.GetBody()
	if err != nil {
		t.Fatal(err)
	}
	replay, _ := io.ReadAll(rc)
	if string(replay) != `{"id":1}` {
		t.Errorf("GetBody replay = %q", replay)
	}
}
