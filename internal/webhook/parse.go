package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// envelope is the outer shape shared by every gateway webhook.
type envelope struct {
	Event     string          `json:"event"`
	Instance  json.RawMessage `json:"instance"` // string, or {instanceName} on some gateway versions
	Data      json.RawMessage `json:"data"`
	ServerURL string          `json:"server_url"`
	DateTime  string          `json:"date_time"`

	name     string // normalized event name
	instance string
}

type messageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type mediaMessage struct {
	URL      string `json:"url"`
	MediaKey string `json:"mediaKey"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	PTT      bool   `json:"ptt"`
}

type messageBody struct {
	Conversation        *string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *mediaMessage `json:"imageMessage"`
	AudioMessage    *mediaMessage `json:"audioMessage"`
	VideoMessage    *mediaMessage `json:"videoMessage"`
	DocumentMessage *mediaMessage `json:"documentMessage"`
	StickerMessage  *mediaMessage `json:"stickerMessage"`
}

type messageData struct {
	Key              *messageKey     `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *messageBody    `json:"message"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
	Instance         string          `json:"instanceId"`
}

// matcher is one arm of the ordered pattern match over payload shapes.
type matcher struct {
	name  string
	match func(env *envelope) bool
	build func(env *envelope) (Event, error)
}

// matchers are tried in order; the first match wins.
var matchers = []matcher{
	{"connection", isEvent(protocol.WebhookConnectionUpdate), buildConnection},
	{"qrcode", isEvent(protocol.WebhookQRCodeUpdated), buildQRCode},
	{"message_object", isMessageShape('{'), buildSingleMessage},
	{"message_array", isMessageShape('['), buildMessageArray},
}

// Parse normalizes a raw webhook body.
func Parse(body []byte) (Event, error) {
	return ParseForInstance(body, "")
}

// ParseForInstance is Parse with a fallback instance id, used when the
// instance is carried in the URL path instead of the body.
func ParseForInstance(body []byte, fallbackInstance string) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.name = protocol.NormalizeEventName(env.Event)
	env.instance = instanceName(env.Instance)
	if env.instance == "" {
		env.instance = fallbackInstance
	}

	for _, m := range matchers {
		if m.match(&env) {
			return m.build(&env)
		}
	}
	return UnknownEvent{Name: env.name, InstanceID: env.instance}, nil
}

func isEvent(name string) func(*envelope) bool {
	return func(env *envelope) bool { return env.name == name }
}

// isMessageShape matches messages.upsert whose data starts with the given JSON delimiter.
// The object form may itself wrap an array under "messages"; buildSingleMessage handles that.
func isMessageShape(first byte) func(*envelope) bool {
	return func(env *envelope) bool {
		if env.name != protocol.WebhookMessagesUpsert {
			return false
		}
		d := strings.TrimSpace(string(env.Data))
		return len(d) > 0 && d[0] == first
	}
}

func instanceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		InstanceName string `json:"instanceName"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.InstanceName
	}
	return ""
}

func buildConnection(env *envelope) (Event, error) {
	var d struct {
		Instance     string `json:"instance"`
		State        string `json:"state"`
		StatusReason int    `json:"statusReason"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: connection data: %v", ErrMalformed, err)
		}
	}
	inst := env.instance
	if inst == "" {
		inst = d.Instance
	}
	if inst == "" {
		return nil, fmt.Errorf("%w: missing instance", ErrMalformed)
	}
	return ConnectionEvent{InstanceID: inst, State: d.State, StatusReason: d.StatusReason}, nil
}

func buildQRCode(env *envelope) (Event, error) {
	var d struct {
		QRCode struct {
			Instance string `json:"instance"`
			Code     string `json:"code"`
			Base64   string `json:"base64"`
		} `json:"qrcode"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: qrcode data: %v", ErrMalformed, err)
		}
	}
	inst := env.instance
	if inst == "" {
		inst = d.QRCode.Instance
	}
	if inst == "" {
		return nil, fmt.Errorf("%w: missing instance", ErrMalformed)
	}
	return QRCodeEvent{InstanceID: inst, Code: d.QRCode.Code, Base64: d.QRCode.Base64}, nil
}

func buildSingleMessage(env *envelope) (Event, error) {
	var wrapped struct {
		Messages []messageData `json:"messages"`
	}
	if err := json.Unmarshal(env.Data, &wrapped); err == nil && len(wrapped.Messages) > 0 {
		return buildMessages(env, wrapped.Messages)
	}

	var d messageData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: message data: %v", ErrMalformed, err)
	}
	if env.instance == "" {
		env.instance = d.Instance
	}
	if env.instance == "" {
		return nil, fmt.Errorf("%w: missing instance", ErrMalformed)
	}
	msg, err := toInbound(env, d)
	if err != nil {
		return nil, err
	}
	return MessageEvent{InstanceID: env.instance, Messages: []InboundEvent{msg}}, nil
}

func buildMessageArray(env *envelope) (Event, error) {
	var list []messageData
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return nil, fmt.Errorf("%w: message list: %v", ErrMalformed, err)
	}
	return buildMessages(env, list)
}

// buildMessages converts a batch, skipping entries without a sender.
// An empty result is malformed.
func buildMessages(env *envelope, list []messageData) (Event, error) {
	if env.instance == "" && len(list) > 0 {
		env.instance = list[0].Instance
	}
	if env.instance == "" {
		return nil, fmt.Errorf("%w: missing instance", ErrMalformed)
	}
	out := make([]InboundEvent, 0, len(list))
	for _, d := range list {
		msg, err := toInbound(env, d)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable messages", ErrMalformed)
	}
	return MessageEvent{InstanceID: env.instance, Messages: out}, nil
}

func toInbound(env *envelope, d messageData) (InboundEvent, error) {
	if d.Key == nil || d.Key.RemoteJID == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	ev := InboundEvent{
		InstanceID: env.instance,
		MessageID:  d.Key.ID,
		ServerURL:  strings.TrimRight(env.ServerURL, "/"),
		FromMe:     d.Key.FromMe,
		PushName:   d.PushName,
		ReceivedAt: parseTimestamp(d.MessageTimestamp),
	}

	jid := d.Key.RemoteJID
	if strings.HasSuffix(jid, "@g.us") {
		ev.IsGroup = true
		if d.Key.Participant != "" {
			jid = d.Key.Participant
		}
	}
	ev.Sender = StripJID(jid)
	if ev.Sender == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}

	if d.Message != nil {
		ev.Text, ev.Media = extractContent(d.Message)
	}
	return ev, nil
}

// extractContent applies the text precedence: plain conversation text,
// then extended text, then the media caption.
func extractContent(m *messageBody) (*string, *MediaRef) {
	var text *string
	switch {
	case m.Conversation != nil && *m.Conversation != "":
		text = m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		t := m.ExtendedTextMessage.Text
		text = &t
	}

	media := extractMedia(m)
	if text == nil && media != nil && media.Caption != "" {
		c := media.Caption
		text = &c
	}
	return text, media
}

func extractMedia(m *messageBody) *MediaRef {
	candidates := []struct {
		kind string
		msg  *mediaMessage
	}{
		{MediaImage, m.ImageMessage},
		{MediaAudio, m.AudioMessage},
		{MediaVideo, m.VideoMessage},
		{MediaDocument, m.DocumentMessage},
		{MediaSticker, m.StickerMessage},
	}
	for _, c := range candidates {
		if c.msg == nil {
			continue
		}
		return &MediaRef{
			Kind:          c.kind,
			URL:           c.msg.URL,
			DecryptionKey: c.msg.MediaKey,
			MimeType:      c.msg.Mimetype,
			Caption:       c.msg.Caption,
			Voice:         c.msg.PTT,
		}
	}
	return nil
}

// StripJID removes the WhatsApp JID domain and device suffix: "5511999:3@s.whatsapp.net" → "5511999".
func StripJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return strings.TrimSpace(jid)
}

// parseTimestamp accepts unix seconds as a JSON number or string; anything else yields now.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Now()
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
