package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/HerbHall/netmedic/internal/event"
	"github.com/HerbHall/netmedic/internal/pulse"
)

func newStreamServer(t *testing.T) (*Handler, *event.Bus, *httptest.Server) {
	t.Helper()
	bus := event.NewBus(testLogger())
	h := NewHandler(bus, testLogger())
	t.Cleanup(h.Close)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, bus, srv
}

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/transitions" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitClients(t *testing.T, h *Handler, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func publishTransition(bus *event.Bus, deviceID string, to pulse.State) {
	bus.Publish(context.Background(), event.Event{
		Topic:   pulse.TopicTransition,
		Payload: pulse.Transition{DeviceID: deviceID, From: pulse.StateSuspect, To: to, At: time.Now().UTC()},
	})
}

type wireMessage struct {
	Seq      uint64           `json:"seq"`
	Type     MessageType      `json:"type"`
	DeviceID string           `json:"device_id"`
	Data     pulse.Transition `json:"data"`
}

func TestTransitionStream(t *testing.T) {
	h, bus, srv := newStreamServer(t)
	conn := dialStream(t, srv, "")
	waitClients(t, h, 1)

	publishTransition(bus, "rtr1", pulse.StateDown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg wireMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTransition || msg.DeviceID != "rtr1" || msg.Data.To != pulse.StateDown {
		t.Errorf("message = %+v", msg)
	}
}

func TestTransitionStream_DeviceFilter(t *testing.T) {
	h, bus, srv := newStreamServer(t)
	conn := dialStream(t, srv, "?device_id=sw1")
	waitClients(t, h, 1)

	publishTransition(bus, "rtr1", pulse.StateDown)
	publishTransition(bus, "sw1", pulse.StateSuspect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg wireMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.DeviceID != "sw1" {
		t.Errorf("first message for %q, want sw1 only", msg.DeviceID)
	}
}

func TestTransitionStream_TypeFilter(t *testing.T) {
	h, bus, srv := newStreamServer(t)
	conn := dialStream(t, srv, "?types=alert.dispatched")
	waitClients(t, h, 1)

	publishTransition(bus, "rtr1", pulse.StateDown)
	bus.Publish(context.Background(), event.Event{
		Topic:   pulse.TopicAlertDispatched,
		Payload: &pulse.Alert{ID: "a1", DeviceID: "rtr1", Kind: pulse.AlertDown},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg wireMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageAlert {
		t.Errorf("type = %q, want %q", msg.Type, MessageAlert)
	}
	// The filtered transition still consumed a sequence number.
	if msg.Seq != 2 {
		t.Errorf("seq = %d, want 2", msg.Seq)
	}
}

func TestTransitionStream_RejectsUnknownType(t *testing.T) {
	_, _, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/ws/transitions?types=bogus") //nolint:gosec // test URL
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestTransitionStream_UnregistersOnDisconnect(t *testing.T) {
	h, _, srv := newStreamServer(t)
	conn := dialStream(t, srv, "")
	waitClients(t, h, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, h, 0)
}

func TestHandler_CloseStopsForwarding(t *testing.T) {
	bus := event.NewBus(testLogger())
	h := NewHandler(bus, testLogger())
	client := newTestClient("test", filter{})
	h.hub.Register(client)

	h.Close()
	publishTransition(bus, "rtr1", pulse.StateDown)

	if len(client.send) != 0 {
		t.Errorf("client received %d messages after Close", len(client.send))
	}
}

func TestHandler_ForwardsAlertsAndRemediations(t *testing.T) {
	bus := event.NewBus(testLogger())
	h := NewHandler(bus, testLogger())
	defer h.Close()
	client := newTestClient("test", filter{})
	h.hub.Register(client)

	ctx := context.Background()
	bus.Publish(ctx, event.Event{Topic: pulse.TopicAlertDispatched, Payload: &pulse.Alert{DeviceID: "rtr1"}})
	bus.Publish(ctx, event.Event{Topic: pulse.TopicRemediationCompleted, Payload: pulse.RemediationOutcome{DeviceID: "rtr1"}})
	bus.Publish(ctx, event.Event{Topic: pulse.TopicProbeCompleted, Payload: pulse.ProbeResult{DeviceID: "rtr1"}})

	var types []MessageType
	for len(client.send) > 0 {
		types = append(types, (<-client.send).Type)
	}
	if len(types) != 2 || types[0] != MessageAlert || types[1] != MessageRemediation {
		t.Errorf("forwarded %v, want alert then remediation", types)
	}
}
