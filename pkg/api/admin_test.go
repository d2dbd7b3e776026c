package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
	"github.com/ngoyal88/relaylog/pkg/middleware"
	"github.com/ngoyal88/relaylog/pkg/record"
)

type fakeRecords struct {
	items   [][]byte
	err     error
	pingErr error
	count   int64
}

func (f *fakeRecords) Recent(_ context.Context, _, _ string, count int64) ([][]byte, error) {
	f.count = count
	return f.items, f.err
}

func (f *fakeRecords) Ping(context.Context) error { return f.pingErr }

type fixedState string

func (s fixedState) State() string { return string(s) }

func newMux(deps Deps) *http.ServeMux {
	if deps.Logging == nil {
		deps.Logging = middleware.NewRequestLogging(middleware.Config{Options: middleware.DefaultOptions()})
	}
	mux := http.NewServeMux()
	NewAdminAPI(deps, "secret-key").RegisterRoutes(mux)
	return mux
}

func get(t *testing.T, mux http.Handler, path string, authed bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authed {
		req.Header.Set("X-Admin-Key", "secret-key")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: response is not JSON: %q", path, w.Body.String())
	}
	return w, body
}

func TestAuthentication(t *testing.T) {
	mux := newMux(Deps{})
	for _, path := range []string{"/admin/options", "/admin/snapshot", "/admin/sinks", "/admin/records"} {
		if w, _ := get(t, mux, path, false); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: %d", path, w.Code)
		}
	}
	if w, _ := get(t, mux, "/admin/health", false); w.Code != http.StatusOK {
		t.Errorf("health should be open, got %d", w.Code)
	}
}

func TestOptions(t *testing.T) {
	w, body := get(t, newMux(Deps{}), "/admin/options", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body["maxBodySize"] != float64(record.DefaultMaxBodySize) || body["excludeMatch"] != "prefix" || body["emitTimeout"] != "5s" {
		t.Errorf("options = %v", body)
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	_, body := get(t, newMux(Deps{Host: hostmetrics.Unavailable{}, Identity: record.Identity{InstanceID: "i-1"}}), "/admin/snapshot", true)
	system := body["system"].(map[string]any)
	if system["cpuUsage"] != record.Unavailable {
		t.Errorf("system = %v", system)
	}
	if body["server"].(map[string]any)["instanceId"] != "i-1" {
		t.Errorf("server = %v", body["server"])
	}
}

func TestRecords(t *testing.T) {
	fr := &fakeRecords{items: [][]byte{[]byte(`{"timestamp":"t1"}`), []byte(`not json`), []byte(`{"timestamp":"t0"}`)}}
	mux := newMux(Deps{Records: fr, Stream: "relaylog:records"})

	w, body := get(t, mux, "/admin/records?count=3", true)
	if w.Code != http.StatusOK || body["count"] != float64(2) || fr.count != 3 {
		t.Errorf("got %d %v (asked for %d)", w.Code, body, fr.count)
	}

	if w, _ := get(t, mux, "/admin/records?count=0", true); w.Code != http.StatusBadRequest {
		t.Errorf("count=0: %d", w.Code)
	}

	fr.err = errors.New("NOGROUP")
	if w, _ := get(t, mux, "/admin/records", true); w.Code != http.StatusBadGateway {
		t.Errorf("backend failure: %d", w.Code)
	}

	if w, _ := get(t, newMux(Deps{}), "/admin/records", true); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no redis: %d", w.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	fr := &fakeRecords{pingErr: errors.New("down")}
	_, body := get(t, newMux(Deps{Records: fr, Sinks: map[string]BreakerState{"kafka": fixedState("open"), "console": fixedState("closed")}}), "/admin/health", false)
	if body["status"] != "degraded" || body["redis"] != "unhealthy" || body["sink_kafka"] != "open" {
		t.Errorf("health = %v", body)
	}
	if _, ok := body["sink_console"]; ok {
		t.Error("closed breaker reported")
	}
}

func TestTargetsWithoutBalancer(t *testing.T) {
	if w, _ := get(t, newMux(Deps{}), "/admin/targets", true); w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}
