package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/llmlb/llmlb/health"
)

// EventsHandler streams HealthMonitor status transitions to connected
// dashboard clients over a websocket, draining the monitor's
// broadcast channel on the dashboard's behalf.
type EventsHandler struct {
	monitor *health.Monitor
	logger  *zap.Logger
}

// NewEventsHandler builds an EventsHandler over a running HealthMonitor.
func NewEventsHandler(monitor *health.Monitor, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{monitor: monitor, logger: logger.With(zap.String("component", "events_handler"))}
}

type eventMessage struct {
	EndpointID string    `json:"endpoint_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// HandleEvents upgrades GET /ws/events to a websocket and relays every
// status transition published on the monitor's event channel until the
// client disconnects or the request context ends. There is no inbound
// message handling; clients only ever read.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events := h.monitor.Events()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "monitor stopped")
				return
			}
			data, err := json.Marshal(eventMessage{
				EndpointID: ev.EndpointID,
				From:       string(ev.From),
				To:         string(ev.To),
				Message:    ev.Message,
				At:         ev.At,
			})
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
