package ws

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTestClient(subject string, f filter) *Client {
	return &Client{
		subject: subject,
		filter:  f,
		send:    make(chan Message, sendBuffer),
		logger:  testLogger(),
	}
}

func msgFor(typ MessageType, deviceID string) Message {
	return Message{Type: typ, DeviceID: deviceID, Timestamp: time.Now()}
}

func drain(c *Client) []Message {
	var out []Message
	for len(c.send) > 0 {
		out = append(out, <-c.send)
	}
	return out
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger())
	a := newTestClient("grafana", filter{})
	b := newTestClient("noc-wall", filter{})
	hub.Register(a)
	hub.Register(b)
	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("ClientCount() = %d, want 2", n)
	}

	hub.Unregister(a)
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	if _, ok := <-a.send; ok {
		t.Error("send channel still open after Unregister")
	}
	// Second call must not double-close.
	hub.Unregister(a)
}

func TestHub_BroadcastSequence(t *testing.T) {
	hub := NewHub(testLogger())
	all := newTestClient("all", filter{})
	sw := newTestClient("sw", filter{device: "sw1"})
	hub.Register(all)
	hub.Register(sw)

	for _, dev := range []string{"rtr1", "sw1", "rtr1"} {
		hub.Broadcast(msgFor(MessageTransition, dev))
	}

	var seqs []uint64
	for _, m := range drain(all) {
		seqs = append(seqs, m.Seq)
	}
	if fmt.Sprint(seqs) != "[1 2 3]" {
		t.Errorf("unfiltered seqs = %v, want [1 2 3]", seqs)
	}
	got := drain(sw)
	if len(got) != 1 || got[0].Seq != 2 {
		t.Errorf("filtered client got %+v, want only seq 2", got)
	}
}

func TestHub_BroadcastFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter filter
		want   int
	}{
		{"no filter", filter{}, 3},
		{"device", filter{device: "rtr1"}, 2},
		{"type", filter{types: map[MessageType]bool{MessageAlert: true}}, 1},
		{"device and type", filter{device: "sw1", types: map[MessageType]bool{MessageAlert: true}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(testLogger())
			c := newTestClient("c", tt.filter)
			hub.Register(c)

			hub.Broadcast(msgFor(MessageTransition, "rtr1"))
			hub.Broadcast(msgFor(MessageAlert, "rtr1"))
			hub.Broadcast(msgFor(MessageRemediation, "sw1"))

			if got := len(drain(c)); got != tt.want {
				t.Errorf("received %d messages, want %d", got, tt.want)
			}
		})
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("slow", filter{})
	hub.Register(c)
	for i := 0; i < sendBuffer; i++ {
		c.send <- msgFor(MessageTransition, "fill")
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(msgFor(MessageTransition, "dropped"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client")
	}

	if hub.ClientCount() != 1 {
		t.Error("client evicted after a single drop")
	}
	for _, m := range drain(c) {
		if m.DeviceID == "dropped" {
			t.Fatal("dropped message was delivered")
		}
	}
}

func TestHub_EvictsSlowClient(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	hub := NewHub(zap.New(core))
	slow := newTestClient("slow", filter{})
	fast := newTestClient("fast", filter{})
	hub.Register(slow)
	hub.Register(fast)
	for i := 0; i < sendBuffer; i++ {
		slow.send <- msgFor(MessageTransition, "fill")
	}

	for i := 0; i < maxDropped; i++ {
		hub.Broadcast(msgFor(MessageTransition, "rtr1"))
		drain(fast)
	}

	if !slow.evicted.Load() {
		t.Fatal("slow client not evicted")
	}
	if fast.evicted.Load() {
		t.Error("fast client evicted")
	}
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	if logs.FilterMessage("evicting slow stream client").Len() != 1 {
		t.Errorf("eviction warning not logged: %v", logs.All())
	}

	// The handler still calls Unregister on its way out.
	hub.Unregister(slow)
}

func TestHub_SuccessfulSendResetsDropCount(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient("bursty", filter{})
	hub.Register(c)

	for round := 0; round < 3; round++ {
		for i := 0; i < sendBuffer; i++ {
			c.send <- msgFor(MessageTransition, "fill")
		}
		for i := 0; i < maxDropped-1; i++ {
			hub.Broadcast(msgFor(MessageTransition, "rtr1"))
		}
		drain(c)
		hub.Broadcast(msgFor(MessageTransition, "rtr1"))
		drain(c)
	}

	if c.evicted.Load() {
		t.Error("client evicted although it caught up between bursts")
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		types   string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"single", "alert.dispatched", 1, false},
		{"list with spaces", "device.transition, remediation.completed,", 2, false},
		{"unknown", "device.transition,probe.completed", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFilter("rtr1", tt.types)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if f.device != "rtr1" {
				t.Errorf("device = %q", f.device)
			}
			if len(f.types) != tt.want {
				t.Errorf("types = %v, want %d entries", f.types, tt.want)
			}
		})
	}
}

func TestHub_ConcurrentUse(t *testing.T) {
	hub := NewHub(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := newTestClient(fmt.Sprintf("client-%d", id), filter{})
			hub.Register(c)
			go func() {
				for range c.send {
				}
			}()
			time.Sleep(10 * time.Millisecond)
			hub.Unregister(c)
		}(i)
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Broadcast(msgFor(MessageTransition, "rtr1"))
			_ = hub.ClientCount()
		}()
	}
	wg.Wait()

	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d, want 0", n)
	}
}
