// Package ws streams monitor activity to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/netmedic/internal/auth"
	"github.com/HerbHall/netmedic/internal/event"
	"github.com/HerbHall/netmedic/internal/pulse"
	"github.com/HerbHall/netmedic/internal/server"
)

// Handler provides the live transition stream.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
	unsubs []func()
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes it to monitor events.
// Authentication is enforced by the server's auth middleware.
func NewHandler(bus event.Subscriber, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		logger: logger,
	}
	h.subscribeToEvents(bus)
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/transitions", h.handleTransitionStream)
}

// Close unsubscribes from the event bus.
func (h *Handler) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

// ClientCount returns the number of connected stream clients.
func (h *Handler) ClientCount() int {
	return h.hub.ClientCount()
}

// handleTransitionStream upgrades the connection and streams transitions,
// remediation outcomes and alerts. ?device_id= and ?types= narrow the stream.
func (h *Handler) handleTransitionStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q.Get("device_id"), q.Get("types"))
	if err != nil {
		server.BadRequest(w, r, err.Error())
		return
	}

	// Server read/write timeouts would otherwise cut the stream short.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks are replaced by bearer-token auth on /api/.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	subject := ""
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	client := &Client{
		conn:    conn,
		subject: subject,
		filter:  f,
		send:    make(chan Message, sendBuffer),
		logger:  h.logger,
	}

	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		// A failed write or eviction ends the stream as well.
		cancel()
		close(done)
	}()

	client.readPump(ctx)

	cancel()
	h.hub.Unregister(client)
	<-done
	if client.evicted.Load() {
		conn.Close(websocket.StatusPolicyViolation, "slow consumer")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// subscribeToEvents forwards monitor events to connected clients.
func (h *Handler) subscribeToEvents(bus event.Subscriber) {
	if bus == nil {
		return
	}

	h.unsubs = append(h.unsubs,
		bus.Subscribe(pulse.TopicTransition, func(_ context.Context, e event.Event) {
			tr, ok := e.Payload.(pulse.Transition)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageTransition, DeviceID: tr.DeviceID, Timestamp: tr.At, Data: tr})
		}),
		bus.Subscribe(pulse.TopicRemediationCompleted, func(_ context.Context, e event.Event) {
			out, ok := e.Payload.(pulse.RemediationOutcome)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageRemediation, DeviceID: out.DeviceID, Timestamp: out.FinishedAt, Data: out})
		}),
		bus.Subscribe(pulse.TopicAlertDispatched, func(_ context.Context, e event.Event) {
			alert, ok := e.Payload.(*pulse.Alert)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{Type: MessageAlert, DeviceID: alert.DeviceID, Timestamp: alert.At, Data: alert})
		}),
	)
}
