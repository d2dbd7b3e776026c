package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
	"github.com/ngoyal88/relaylog/pkg/middleware"
	"github.com/ngoyal88/relaylog/pkg/proxy"
	"github.com/ngoyal88/relaylog/pkg/record"
)

// RecordStore reads back records a Redis sink appended.
type RecordStore interface {
	Recent(ctx context.Context, stream, field string, count int64) ([][]byte, error)
	Ping(ctx context.Context) error
}

// BreakerState is implemented by sink.Breaker.
type BreakerState interface {
	State() string
}

// Deps are the parts of the running service the admin API looks into.
// Every field except Logging may be nil.
type Deps struct {
	Logging  *middleware.RequestLogging
	Host     hostmetrics.Source
	Balancer *proxy.LoadBalancer
	Sinks    map[string]BreakerState
	Records  RecordStore
	Stream   string
	Identity record.Identity
}

// AdminAPI provides endpoints for inspecting a running relaylog.
type AdminAPI struct {
	deps     Deps
	adminKey string // Simple admin authentication
}

func NewAdminAPI(deps Deps, adminKey string) *AdminAPI {
	return &AdminAPI{deps: deps, adminKey: adminKey}
}

// RegisterRoutes registers admin endpoints
func (api *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/options", api.authenticate(api.handleOptions))
	mux.HandleFunc("/admin/snapshot", api.authenticate(api.handleSnapshot))
	mux.HandleFunc("/admin/sinks", api.authenticate(api.handleSinks))
	mux.HandleFunc("/admin/targets", api.authenticate(api.handleTargets))
	mux.HandleFunc("/admin/records", api.authenticate(api.handleRecords))

	// System
	mux.HandleFunc("/admin/health", api.handleHealth)
}

// authenticate middleware checks admin key
func (api *AdminAPI) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.adminKey == "" || r.Header.Get("X-Admin-Key") != api.adminKey {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid admin key",
			})
			return
		}
		next(w, r)
	}
}

type optionsView struct {
	ExcludePaths    []string `json:"excludePaths"`
	ExcludeMatch    string   `json:"excludeMatch"`
	LogRequestBody  bool     `json:"logRequestBody"`
	LogResponseBody bool     `json:"logResponseBody"`
	LogHeaders      bool     `json:"logHeaders"`
	MaxBodySize     int      `json:"maxBodySize"`
	SensitiveFields []string `json:"sensitiveFields"`
	Async           bool     `json:"async"`
	EmitTimeout     string   `json:"emitTimeout"`
}

// handleOptions shows the logging options in effect right now, which may
// differ from the file after a failed reload.
func (api *AdminAPI) handleOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	o := api.deps.Logging.Options()
	respondJSON(w, http.StatusOK, optionsView{
		ExcludePaths:    o.ExcludePaths,
		ExcludeMatch:    o.ExcludeMatch,
		LogRequestBody:  o.Record.LogRequestBody,
		LogResponseBody: o.Record.LogResponseBody,
		LogHeaders:      o.Record.LogHeaders,
		MaxBodySize:     o.Record.MaxBodySize,
		SensitiveFields: o.Record.SensitiveFields,
		Async:           o.Async,
		EmitTimeout:     o.EmitTimeout.String(),
	})
}

// handleSnapshot returns the host sections a record would carry right now.
func (api *AdminAPI) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	host := api.deps.Host
	if host == nil {
		host = hostmetrics.Unavailable{}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	system, network := record.HostSections(host.Snapshot(ctx))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"system":  system,
		"network": network,
		"server": map[string]string{
			"instanceId": api.deps.Identity.InstanceID,
			"platform":   api.deps.Identity.Platform,
			"hostname":   api.deps.Identity.Hostname,
		},
	})
}

func (api *AdminAPI) handleSinks(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]string, len(api.deps.Sinks))
	for name, b := range api.deps.Sinks {
		states[name] = b.State()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sinks": states,
	})
}

func (api *AdminAPI) handleTargets(w http.ResponseWriter, r *http.Request) {
	if api.deps.Balancer == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "Load balancer not enabled",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"targets": api.deps.Balancer.Status(),
	})
}

// handleRecords returns the newest records from the Redis stream.
func (api *AdminAPI) handleRecords(w http.ResponseWriter, r *http.Request) {
	if api.deps.Records == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Redis sink not enabled",
		})
		return
	}

	count := int64(20)
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "count must be between 1 and 1000",
			})
			return
		}
		count = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	raw, err := api.deps.Records.Recent(ctx, api.deps.Stream, "record", count)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error": "Failed to read records: " + err.Error(),
		})
		return
	}

	records := make([]json.RawMessage, 0, len(raw))
	for _, b := range raw {
		if json.Valid(b) {
			records = append(records, b)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleHealth returns system health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	}

	if api.deps.Records != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := api.deps.Records.Ping(ctx); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["redis"] = "healthy"
		}
	}

	for name, b := range api.deps.Sinks {
		if b.State() == "open" {
			health["status"] = "degraded"
			health["sink_"+name] = "open"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
