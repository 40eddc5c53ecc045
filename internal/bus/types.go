package bus

import "context"

// Event is a server-side notification broadcast to in-process subscribers
// (connection changes, escalations, delivery outcomes).
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constants
	Payload interface{} `json:"payload,omitempty"`
}

// ConnectionPayload accompanies protocol.EventConnectionChanged.
type ConnectionPayload struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
}

// QRCodePayload accompanies protocol.EventQRCodeUpdated.
type QRCodePayload struct {
	InstanceID string `json:"instance_id"`
	Code       string `json:"code,omitempty"`
}

// ConversationPayload accompanies conversation.* events.
type ConversationPayload struct {
	InstanceID     string `json:"instance_id"`
	Sender         string `json:"sender"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Chunks         int    `json:"chunks,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Task is a fire-and-forget side effect (webhook log write, support notification).
// Its error is logged by the bus and never reaches the request path.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// TaskQueue accepts side tasks. Submit never blocks; a full queue drops the task.
type TaskQueue interface {
	Submit(task Task) bool
}
