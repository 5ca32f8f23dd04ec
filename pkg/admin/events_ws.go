package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/getmockd/prock/internal/id"
	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/httputil"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBufferSize   = 64
)

// handleEvents handles GET /events, streaming every emitted event as a JSON
// envelope text frame. The optional "types" query parameter takes a comma
// separated list of event types.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.emitter.(nopEmitter); ok {
		httputil.WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "event stream is disabled")
		return
	}

	var types []events.Type
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := events.NewChannelSubscriber(wsBufferSize)
	name := "ws-" + id.Short()
	unsubscribe, err := a.emitter.Subscribe(name, sub, events.SubscribeOptions{
		BufferSize: wsBufferSize,
		Types:      types,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "event stream unavailable")
		return
	}
	defer unsubscribe()

	a.log.Debug("event stream opened", "subscriber", name, "types", types)

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			a.log.Debug("event stream closed", "subscriber", name)
			return
		case <-a.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-sub.C():
			data, err := events.Marshal(ev)
			if err != nil {
				a.log.Warn("encoding event failed", "type", ev.EventType(), "error", err)
				continue
			}
			if err := writeFrame(ctx, conn, data); err != nil {
				a.log.Debug("event stream write failed", "subscriber", name, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
