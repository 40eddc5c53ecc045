// Package webhook turns gateway webhook payloads into typed events.
package webhook

import (
	"errors"
	"time"

	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// ErrMalformed marks a payload that cannot be processed: invalid JSON or a
// message without instance or sender. Handlers map it to HTTP 400.
var ErrMalformed = errors.New("webhook: malformed payload")

// Event is one of MessageEvent, ConnectionEvent, QRCodeEvent or UnknownEvent.
type Event interface {
	// Kind returns the canonical event name (protocol.Webhook*), or the raw name for unknown events.
	Kind() string
	// Instance returns the gateway instance the event belongs to.
	Instance() string
	isEvent()
}

// MediaRef points at encrypted media held by the gateway.
type MediaRef struct {
	Kind          string `json:"kind"` // image, audio, video, document, sticker
	URL           string `json:"url,omitempty"`
	DecryptionKey string `json:"decryption_key,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	Caption       string `json:"caption,omitempty"`
	Voice         bool   `json:"voice,omitempty"` // push-to-talk recording
}

// InboundEvent is one normalized inbound chat message.
type InboundEvent struct {
	InstanceID string
	Sender     string // bare number, no JID suffix
	Text       *string
	Media      *MediaRef
	MessageID  string
	ServerURL  string
	ReceivedAt time.Time
	FromMe     bool
	PushName   string
	IsGroup    bool
}

// HasText reports whether the message carries non-empty text.
func (e InboundEvent) HasText() bool { return e.Text != nil && *e.Text != "" }

// IsAudio reports whether the message is a voice note or audio file.
func (e InboundEvent) IsAudio() bool { return e.Media != nil && e.Media.Kind == MediaAudio }

// Media kinds.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaSticker  = "sticker"
)

// MessageEvent carries one or more messages from a messages.upsert webhook.
type MessageEvent struct {
	InstanceID string
	Messages   []InboundEvent
}

// ConnectionEvent reports a gateway instance connection state change.
type ConnectionEvent struct {
	InstanceID   string
	State        string // open, connecting, close
	StatusReason int
}

// QRCodeEvent carries a new pairing QR code.
type QRCodeEvent struct {
	InstanceID string
	Code       string
	Base64     string
}

// UnknownEvent is any event this service does not act on.
type UnknownEvent struct {
	Name       string
	InstanceID string
}

func (e MessageEvent) Kind() string    { return protocol.WebhookMessagesUpsert }
func (e ConnectionEvent) Kind() string { return protocol.WebhookConnectionUpdate }
func (e QRCodeEvent) Kind() string     { return protocol.WebhookQRCodeUpdated }
func (e UnknownEvent) Kind() string    { return e.Name }

func (e MessageEvent) Instance() string    { return e.InstanceID }
func (e ConnectionEvent) Instance() string { return e.InstanceID }
func (e QRCodeEvent) Instance() string     { return e.InstanceID }
func (e UnknownEvent) Instance() string    { return e.InstanceID }

func (MessageEvent) isEvent()    {}
func (ConnectionEvent) isEvent() {}
func (QRCodeEvent) isEvent()     {}
func (UnknownEvent) isEvent()    {}
