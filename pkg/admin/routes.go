package admin

import (
	"net/http"
)

// buildRoutes registers the management endpoints. The catch-all pattern
// hands every other request to the fallback handler.
func (a *API) buildRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Mock routes
	mux.Handle("GET /mock-routes", a.managed(a.handleListRoutes))
	mux.Handle("POST /mock-routes", a.managed(a.handleCreateRoute))
	mux.Handle("PUT /mock-routes", a.managed(a.handleUpdateRoute))
	mux.Handle("GET /mock-routes/{id}", a.managed(a.handleGetRoute))
	mux.Handle("DELETE /mock-routes/{id}", a.managed(a.handleDeleteRoute))
	mux.Handle("POST /mock-routes/{id}/enable", a.managed(a.handleEnableRoute))
	mux.Handle("POST /mock-routes/{id}/disable", a.managed(a.handleDisableRoute))

	// Proxy configuration
	mux.Handle("GET /config", a.managed(a.handleGetConfig))
	mux.Handle("PUT /config", a.managed(a.handleUpdateConfig))
	mux.Handle("POST /restart", a.managed(a.handleRestart))

	// Diagnostics
	mux.Handle("GET /route-table", a.managed(a.handleRouteTable))
	mux.Handle("GET /requests", a.managed(a.handleListRequests))
	mux.Handle("DELETE /requests", a.managed(a.handleClearRequests))
	mux.Handle("GET /events", a.managed(a.handleEvents))
	mux.Handle("GET /healthz", a.managed(a.handleHealth))
	mux.Handle("GET /metrics", a.managed(a.handleMetrics))

	mux.Handle("/", a.fallback)
	return mux
}
