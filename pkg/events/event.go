package events

import (
	"encoding/json"
	"time"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeMockRouteChanged Type = "mock_route_changed"
	TypeProxyRequest     Type = "proxy_request"
	TypeSyncError        Type = "sync_error"
)

// Event is implemented by every event emitted by prock.
type Event interface {
	EventType() Type
	EventTime() time.Time
}

// MockRouteChangedEvent reports a mutation of a mock route.
type MockRouteChangedEvent struct {
	RouteID   string    `json:"routeId"`
	Action    string    `json:"action"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e MockRouteChangedEvent) EventType() Type      { return TypeMockRouteChanged }
func (e MockRouteChangedEvent) EventTime() time.Time { return e.Timestamp }

// ProxyRequestEvent reports the outcome of one dispatched request.
type ProxyRequestEvent struct {
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Timestamp   time.Time `json:"timestamp"`
	IsMocked    bool      `json:"isMocked"`
	StatusCode  int       `json:"statusCode"`
	UpstreamURL string    `json:"upstreamUrl,omitempty"`
	RouteID     string    `json:"routeId,omitempty"`
	DurationMs  float64   `json:"durationMs"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (e ProxyRequestEvent) EventType() Type      { return TypeProxyRequest }
func (e ProxyRequestEvent) EventTime() time.Time { return e.Timestamp }

// SyncErrorEvent reports a record the synchronizer could not load into the
// route table.
type SyncErrorEvent struct {
	RouteID   string    `json:"routeId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SyncErrorEvent) EventType() Type      { return TypeSyncError }
func (e SyncErrorEvent) EventTime() time.Time { return e.Timestamp }

// Envelope is the JSON framing used by the webhook and websocket consumers.
type Envelope struct {
	Type Type  `json:"type"`
	Data Event `json:"data"`
}

// Marshal encodes ev inside an Envelope.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: ev.EventType(), Data: ev})
}
