package admin

import (
	"net/http"

	"github.com/getmockd/prock/pkg/httputil"
	"github.com/getmockd/prock/pkg/requestlog"
)

// defaultRequestLimit is used when GET /requests has no limit parameter.
const defaultRequestLimit = 100

// RequestListResponse is returned by GET /requests.
type RequestListResponse struct {
	Requests []*requestlog.Entry `json:"requests"`
	Count    int                 `json:"count"`
	Total    int                 `json:"total"`
}

// handleListRequests handles GET /requests.
//
// Query parameters: limit, offset, method, path (prefix), routeId, mocked.
func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if a.requests == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "request logging is disabled")
		return
	}

	q := r.URL.Query()
	filter := &requestlog.Filter{
		Method:     q.Get("method"),
		PathPrefix: q.Get("path"),
		RouteID:    q.Get("routeId"),
		Limit:      defaultRequestLimit,
	}
	if n, ok := parsePositiveInt(q.Get("limit")); ok {
		filter.Limit = n
	}
	if n, ok := parseNonNegativeInt(q.Get("offset")); ok {
		filter.Offset = n
	}
	if b, ok := parseBool(q.Get("mocked")); ok {
		filter.Mocked = &b
	}

	entries := a.requests.List(filter)
	if entries == nil {
		entries = []*requestlog.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, RequestListResponse{
		Requests: entries,
		Count:    len(entries),
		Total:    a.requests.Count(),
	})
}

// handleClearRequests handles DELETE /requests.
func (a *API) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	if a.requests == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "request logging is disabled")
		return
	}
	count := a.requests.Count()
	a.requests.Clear()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Request log cleared",
		"cleared": count,
	})
}
