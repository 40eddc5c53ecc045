package protocol

// Version of the webhook response contract ({success, error?}).
const ProtocolVersion = 1

// Gateway webhook event names, in their canonical (dotted, lowercase) form.
// Legacy gateways send the upper-snake variant (MESSAGES_UPSERT); see NormalizeEventName.
const (
	WebhookMessagesUpsert   = "messages.upsert"
	WebhookConnectionUpdate = "connection.update"
	WebhookQRCodeUpdated    = "qrcode.updated"
)

// Internal bus event names (broadcast to subscribers, never sent to the gateway).
const (
	EventConnectionChanged = "instance.connection"
	EventQRCodeUpdated     = "instance.qrcode"
	EventEscalated         = "conversation.escalated"
	EventEscalationClosed  = "conversation.escalation_resolved"
	EventReplyDelivered    = "conversation.reply_delivered"
	EventBatchFailed       = "conversation.batch_failed"
)

// Conversation statuses.
const (
	ConversationActive    = "active"
	ConversationExpired   = "expired"
	ConversationEscalated = "escalated"
)

// Escalation reasons.
const (
	EscalationAIDetected  = "ai_detected_intent"
	EscalationUserRequest = "user_request"
)
