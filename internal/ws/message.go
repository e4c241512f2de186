package ws

import (
	"fmt"
	"strings"
	"time"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageTransition  MessageType = "device.transition"
	MessageRemediation MessageType = "remediation.completed"
	MessageAlert       MessageType = "alert.dispatched"
)

var knownTypes = map[MessageType]bool{
	MessageTransition:  true,
	MessageRemediation: true,
	MessageAlert:       true,
}

// Message is one event on the stream. Data carries the pulse payload
// unchanged (Transition, RemediationOutcome or Alert). Seq increases by one
// per broadcast, so a jump tells a client it was sent fewer messages than
// were published.
type Message struct {
	Seq       uint64      `json:"seq"`
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// filter selects the messages a client receives. Zero values match all.
type filter struct {
	device string
	types  map[MessageType]bool
}

func (f filter) match(msg Message) bool {
	if f.device != "" && f.device != msg.DeviceID {
		return false
	}
	return len(f.types) == 0 || f.types[msg.Type]
}

// parseFilter reads ?device_id= and a comma-separated ?types= list.
func parseFilter(device, types string) (filter, error) {
	f := filter{device: device}
	if types == "" {
		return f, nil
	}
	f.types = make(map[MessageType]bool)
	for _, raw := range strings.Split(types, ",") {
		t := MessageType(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if !knownTypes[t] {
			return filter{}, fmt.Errorf("unknown message type %q", t)
		}
		f.types[t] = true
	}
	return f, nil
}
