package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getmockd/prock/pkg/httputil"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routetable"
	"github.com/getmockd/prock/pkg/store"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   int    `json:"uptime"`
	Version  string `json:"version"`
	Routes   int    `json:"routes"`
	Upstream string `json:"upstream,omitempty"`
}

// RestartResponse is returned by POST /restart.
type RestartResponse struct {
	Status  string `json:"status"`
	Routes  int    `json:"routes"`
	Version uint64 `json:"version"`
}

// RouteTableResponse is returned by GET /route-table.
type RouteTableResponse struct {
	Version uint64             `json:"version"`
	Count   int                `json:"count"`
	Entries []routetable.Entry `json:"entries"`
}

// handleHealth handles GET /healthz.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  a.Uptime(),
		Version: a.version,
		Routes:  a.table.Len(),
	}
	if a.upstream != nil {
		resp.Upstream = a.upstream()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /metrics.
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		httputil.WriteError(w, http.StatusNotFound, CodeNotFound, "metrics are disabled")
		return
	}
	a.metrics.ObserveTable(a.table.Len(), a.table.Version())
	a.metrics.Handler().ServeHTTP(w, r)
}

// handleGetConfig handles GET /config. An unset configuration is reported
// with an empty upstream URL.
func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.configs.GetConfig(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSON(w, http.StatusOK, route.ProckConfig{})
		return
	}
	if err != nil {
		a.writeStoreError(w, err, "get config")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

// handleUpdateConfig handles PUT /config. The new upstream is used for the
// next forwarded request.
func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !a.validate(w, a.schemas.config, body) {
		return
	}
	var cfg route.ProckConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, CodeInvalidJSON, ErrMsgInvalidJSON)
		return
	}
	if err := cfg.Validate(); err != nil {
		a.writeStoreError(w, err, "update config")
		return
	}

	ctx := r.Context()
	if err := a.configs.SaveConfig(ctx, cfg); err != nil {
		a.writeStoreError(w, err, "update config")
		return
	}
	ev := store.ChangeEvent{
		Collection: store.CollectionConfig,
		Action:     store.ActionUpdated,
		Timestamp:  time.Now(),
	}
	if err := a.syncer.Apply(ctx, ev); err != nil {
		a.log.Warn("config change not applied", "error", err)
	}
	a.log.Info("proxy config updated", "upstream", cfg.UpstreamURL)
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

// handleRestart handles POST /restart: reload configuration from the store
// and rebuild the route table.
func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	if a.reload != nil {
		err = a.reload(ctx)
	} else {
		err = a.syncer.Rebuild(ctx)
	}
	if err != nil {
		status, code, msg := sanitizeError(err, a.log, "restart")
		if status == http.StatusInternalServerError {
			code = CodeInternal
		}
		httputil.WriteError(w, status, code, msg)
		return
	}
	a.log.Info("restarted", "routes", a.table.Len(), "version", a.table.Version())
	httputil.WriteJSON(w, http.StatusOK, RestartResponse{
		Status:  "ok",
		Routes:  a.table.Len(),
		Version: a.table.Version(),
	})
}

// handleRouteTable handles GET /route-table.
func (a *API) handleRouteTable(w http.ResponseWriter, r *http.Request) {
	entries := a.table.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, RouteTableResponse{
		Version: a.table.Version(),
		Count:   len(entries),
		Entries: entries,
	})
}
