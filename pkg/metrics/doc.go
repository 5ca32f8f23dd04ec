// Package metrics defines the Prometheus collectors prock exports on
// GET /metrics.
//
// Every Metrics value owns its own registry, so several servers (and tests)
// can run in one process without colliding on the default registerer.
//
//   - prock_dispatch_total: dispatched requests (labels: outcome, method, status)
//   - prock_dispatch_duration_seconds: dispatch latency (labels: outcome)
//   - prock_route_table_entries / prock_route_table_version: table size and version
//   - prock_sync_applied_total: synchronizer signals applied (labels: action)
//   - prock_sync_errors_total: records rejected at sync time (labels: reason)
//   - prock_sync_rebuilds_total, prock_sync_rebuild_duration_seconds
//   - prock_events_delivered_total / prock_events_dropped_total (labels: subscriber)
//   - prock_admin_requests_total: management API calls (labels: method, route, status)
//   - prock_admin_rate_limited_total
//
// Outcome label values are lowercase: mocked, forwarded, forward_error,
// cancelled, panic.
package metrics
