// Package admin provides the prock management API.
//
// The API shares its listener with the proxy: requests that match a
// management endpoint are handled here, everything else falls through to the
// dispatcher. Route mutations are written to the store first and then
// applied to the route table through the synchronizer, so a successful
// response means subsequent proxied requests already see the change.
//
// Endpoints:
//
//	GET    /mock-routes               list mock routes
//	POST   /mock-routes               create a mock route
//	PUT    /mock-routes               update a mock route (routeId required)
//	GET    /mock-routes/{id}          get one mock route
//	DELETE /mock-routes/{id}          delete a mock route
//	POST   /mock-routes/{id}/enable   enable a mock route
//	POST   /mock-routes/{id}/disable  disable a mock route
//	GET    /config                    fetch the proxy configuration
//	PUT    /config                    change the upstream URL
//	POST   /restart                   reload configuration and rebuild the table
//	GET    /route-table               current route table snapshot
//	GET    /requests                  recent proxied requests
//	DELETE /requests                  clear the request log
//	GET    /events                    websocket event stream
//	GET    /healthz                   liveness
//	GET    /metrics                   Prometheus metrics
package admin
