package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/getmockd/prock/pkg/httputil"
)

// managed wraps a management handler with rate limiting, metrics and
// request logging.
func (a *API) managed(fn http.HandlerFunc) http.Handler {
	var h http.Handler = a.instrument(fn)
	if a.limiter != nil {
		h = a.limiter.Middleware(h)
	}
	return h
}

// instrument records admin request metrics and logs at debug level.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httputil.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		status := rec.Status
		if status == 0 {
			status = http.StatusOK
		}
		if a.metrics != nil {
			a.metrics.AdminRequests.WithLabelValues(r.Method, r.Pattern, strconv.Itoa(status)).Inc()
		}
		a.log.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	})
}
