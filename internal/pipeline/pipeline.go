// Package pipeline wires the inbound path together: normalized events are
// filtered, transcribed, buffered, and each flushed batch runs through the
// conversation, escalation, generation and delivery stages.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/replydesk/internal/buffer"
	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/dedup"
	"github.com/nextlevelbuilder/replydesk/internal/delivery"
	"github.com/nextlevelbuilder/replydesk/internal/escalation"
	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
	"github.com/nextlevelbuilder/replydesk/internal/webhook"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// DefaultVoiceResponse is sent for a voice note that could not be transcribed
// when the instance configures no response of its own.
const DefaultVoiceResponse = "Sorry, I couldn't understand your voice message. Could you type it instead?"

// Conversations is the session access the pipeline needs.
type Conversations interface {
	Ensure(ctx context.Context, instanceID, sender string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, c *store.Conversation, role, content string) error
}

// Decider is the escalation engine.
type Decider interface {
	Decide(ctx context.Context, ec escalation.Context) (escalation.Decision, error)
}

// Generator produces automated replies.
type Generator interface {
	Generate(ctx context.Context, req orchestrator.Request) (orchestrator.Reply, error)
}

// Sender delivers reply text.
type Sender interface {
	Send(ctx context.Context, text string, to delivery.Address) error
}

// Transcriber turns voice notes into text.
type Transcriber interface {
	Enabled() bool
	Transcribe(ctx context.Context, ref providers.AudioRef) (string, error)
}

// Deps groups the pipeline's collaborators. Buffers nil means every message
// is processed inline. Transcriber, Logs, Tasks and Events may be nil.
type Deps struct {
	Buffers       *buffer.Manager
	Conversations Conversations
	Escalation    Decider
	Generator     Generator
	Sender        Sender
	Instances     store.InstanceConfigStore
	Batches       store.BatchStore
	Logs          store.WebhookLogStore
	Transcriber   Transcriber
	Tasks         bus.TaskQueue
	Events        bus.EventPublisher
	Seen          *dedup.MessageIDCache
}

// Options tune filtering.
type Options struct {
	IgnoreGroups    bool
	DefaultBaseURL  string // outbound gateway when neither instance nor event names one
	LogPayloadBytes int    // webhook payload bytes kept in debug logs (default 4096)
	MaxChunk        int    // delivery chunk size, for reporting only
}

// Result summarizes one handled event.
type Result struct {
	Event    string `json:"event"`
	Instance string `json:"instance,omitempty"`
	Accepted int    `json:"accepted"`
	Ignored  int    `json:"ignored"`
}

type Pipeline struct {
	d    Deps
	opts Options
	now  func() time.Time
}

func New(d Deps, opts Options) *Pipeline {
	if d.Seen == nil {
		d.Seen = dedup.NewMessageIDCache(0, 0)
	}
	if opts.LogPayloadBytes <= 0 {
		opts.LogPayloadBytes = 4096
	}
	return &Pipeline{d: d, opts: opts, now: time.Now}
}

// HandleWebhook normalizes a raw body and handles the resulting event. The
// outcome is written to the webhook log as a side task.
func (p *Pipeline) HandleWebhook(ctx context.Context, body []byte, pathInstance string) (Result, error) {
	ev, err := webhook.ParseForInstance(body, pathInstance)
	if err != nil {
		p.logWebhook(pathInstance, "", store.WebhookStatusFailed, body, err)
		return Result{Instance: pathInstance}, err
	}
	res, err := p.HandleEvent(ctx, ev)
	status := store.WebhookStatusProcessed
	switch {
	case err != nil:
		status = store.WebhookStatusFailed
	case res.Accepted == 0:
		status = store.WebhookStatusIgnored
	}
	p.logWebhook(ev.Instance(), ev.Kind(), status, body, err)
	return res, err
}

// HandleEvent dispatches one normalized event.
func (p *Pipeline) HandleEvent(ctx context.Context, ev webhook.Event) (Result, error) {
	res := Result{Event: ev.Kind(), Instance: ev.Instance()}
	switch e := ev.(type) {
	case webhook.ConnectionEvent:
		slog.Info("instance.connection", "instance", e.InstanceID, "state", e.State, "reason", e.StatusReason)
		p.publish(protocol.EventConnectionChanged, bus.ConnectionPayload{InstanceID: e.InstanceID, State: e.State})
		res.Accepted = 1
	case webhook.QRCodeEvent:
		slog.Info("instance.qrcode", "instance", e.InstanceID)
		p.publish(protocol.EventQRCodeUpdated, bus.QRCodePayload{InstanceID: e.InstanceID, Code: e.Code})
		res.Accepted = 1
	case webhook.MessageEvent:
		var errs []error
		for _, m := range e.Messages {
			ok, err := p.handleMessage(ctx, m)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				res.Accepted++
			} else {
				res.Ignored++
			}
		}
		return res, errors.Join(errs...)
	default:
		slog.Debug("webhook.unhandled_event", "event", ev.Kind(), "instance", ev.Instance())
		res.Ignored = 1
	}
	return res, nil
}

// handleMessage filters and enqueues one inbound message. It reports whether
// the message was accepted for processing. A message that fails ingress is
// dropped from the redelivery cache so the gateway's retry gets through.
func (p *Pipeline) handleMessage(ctx context.Context, m webhook.InboundEvent) (accepted bool, err error) {
	switch {
	case m.FromMe:
		return false, nil
	case m.IsGroup && p.opts.IgnoreGroups:
		slog.Debug("webhook.group_ignored", "instance", m.InstanceID, "sender", m.Sender)
		return false, nil
	case p.d.Seen.Seen(m.InstanceID, m.MessageID):
		slog.Debug("webhook.redelivery", "instance", m.InstanceID, "message_id", m.MessageID)
		return false, nil
	}
	defer func() {
		if err != nil {
			p.d.Seen.Forget(m.InstanceID, m.MessageID)
		}
	}()

	cfg := p.instanceConfig(ctx, m.InstanceID)
	bm := buffer.BufferedMessage{
		MessageID:  m.MessageID,
		InstanceID: m.InstanceID,
		Sender:     m.Sender,
		ServerURL:  m.ServerURL,
		ReceivedAt: m.ReceivedAt,
	}
	if m.Text != nil {
		bm.Text = *m.Text
	}
	if m.Media != nil {
		bm.MediaKind = m.Media.Kind
		bm.MimeType = m.Media.MimeType
	}

	if m.IsAudio() && !m.HasText() {
		transcript, ok := p.transcribe(ctx, m, cfg)
		if !ok {
			return true, p.replyToVoice(ctx, m, cfg)
		}
		bm.Text = transcript
		bm.MediaKind, bm.MimeType = "", ""
	}

	if p.d.Buffers == nil {
		return true, p.ProcessBatch(ctx, []buffer.BufferedMessage{bm})
	}
	ok, err := p.d.Buffers.Add(ctx, bm, p.ProcessBatch)
	if err != nil {
		return false, fmt.Errorf("pipeline: buffer message: %w", err)
	}
	return ok, nil
}

func (p *Pipeline) transcribe(ctx context.Context, m webhook.InboundEvent, cfg *store.InstanceConfig) (string, bool) {
	if !cfg.TranscriptionEnabled || p.d.Transcriber == nil || !p.d.Transcriber.Enabled() {
		return "", false
	}
	text, err := p.d.Transcriber.Transcribe(ctx, providers.AudioRef{
		InstanceID:    m.InstanceID,
		URL:           m.Media.URL,
		DecryptionKey: m.Media.DecryptionKey,
		MimeType:      m.Media.MimeType,
		ServerURL:     m.ServerURL,
	})
	if err != nil {
		slog.Warn("pipeline.transcription_failed", "instance", m.InstanceID, "sender", m.Sender, "error", err)
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// replyToVoice answers an untranscribable voice note with the configured
// default response and logs it as outbound, so an echo of it is recognized.
func (p *Pipeline) replyToVoice(ctx context.Context, m webhook.InboundEvent, cfg *store.InstanceConfig) error {
	text := cfg.VoiceMessageDefaultResponse
	if text == "" {
		text = DefaultVoiceResponse
	}
	conv, err := p.d.Conversations.Ensure(ctx, m.InstanceID, m.Sender)
	if err != nil {
		return fmt.Errorf("pipeline: voice reply: %w", err)
	}
	p.deliver(ctx, conv, cfg, text, m.ServerURL)
	return nil
}

// ProcessBatch runs one flushed batch through the conversation, escalation,
// generation and delivery stages. A batch whose id was already claimed is a
// no-op. The claim happens before processing, so a batch that fails midway
// is not reprocessed on redelivery.
func (p *Pipeline) ProcessBatch(ctx context.Context, msgs []buffer.BufferedMessage) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	inst, sender := msgs[0].InstanceID, msgs[0].Sender
	// Messages still waiting in the pair's buffer join this batch, so the
	// escalation check below sees the sender's full context.
	if p.d.Buffers != nil {
		pending, err := p.d.Buffers.Drain(ctx, inst, sender)
		if err != nil {
			slog.Warn("pipeline.drain_failed", "instance", inst, "sender", sender, "error", err)
		}
		msgs = appendNew(msgs, pending)
	}
	ctx, span := tracing.Start(ctx, "pipeline.process_batch",
		attribute.String("instance", inst),
		attribute.Int("messages", len(msgs)),
	)
	defer func() { tracing.End(span, err) }()

	batchID := BatchID(msgs)
	if p.d.Batches != nil {
		claimed, err := p.d.Batches.Claim(ctx, store.ProcessedBatch{BatchID: batchID, InstanceID: inst, Sender: sender, ProcessedAt: p.now()})
		if err != nil {
			return fmt.Errorf("pipeline: claim batch: %w", err)
		}
		if !claimed {
			slog.Info("pipeline.batch_already_processed", "instance", inst, "sender", sender, "batch", batchID)
			return nil
		}
	}

	text := buffer.CombineText(msgs)
	if text == "" {
		return nil
	}
	serverURL := lastServerURL(msgs)
	cfg := p.instanceConfig(ctx, inst)

	conv, err := p.d.Conversations.Ensure(ctx, inst, sender)
	if err != nil {
		return fmt.Errorf("pipeline: conversation: %w", err)
	}

	decision, err := p.d.Escalation.Decide(ctx, escalation.Context{
		InstanceID:   inst,
		Sender:       sender,
		Conversation: conv,
		Message:      text,
		Config:       cfg,
	})
	if err != nil {
		return fmt.Errorf("pipeline: escalation: %w", err)
	}
	switch {
	case decision.NeedsEscalation:
		p.appendLog(ctx, conv, store.RoleUser, text)
		p.deliver(ctx, conv, cfg, decision.Message, serverURL)
		return nil
	case decision.AlreadyEscalated:
		p.appendLog(ctx, conv, store.RoleUser, text)
		if decision.SendReviewNotice {
			p.deliver(ctx, conv, cfg, decision.Message, serverURL)
		}
		return nil
	}

	reply, err := p.d.Generator.Generate(ctx, orchestrator.Request{
		InstanceID:   inst,
		Sender:       sender,
		Conversation: conv,
		Text:         text,
		ServerURL:    serverURL,
		Config:       cfg,
	})
	if err != nil {
		p.publish(protocol.EventBatchFailed, bus.ConversationPayload{InstanceID: inst, Sender: sender, ConversationID: conv.ID.String(), Error: err.Error()})
		return fmt.Errorf("pipeline: generate: %w", err)
	}
	if reply.Skipped {
		return nil
	}

	to := p.address(cfg, sender, reply.BaseURL)
	chunks := len(delivery.Split(reply.Text, p.opts.MaxChunk))
	payload := bus.ConversationPayload{InstanceID: inst, Sender: sender, ConversationID: conv.ID.String(), Chunks: chunks}
	if err := p.d.Sender.Send(ctx, reply.Text, to); err != nil {
		slog.Warn("pipeline.delivery_incomplete", "instance", inst, "sender", sender, "error", err)
		payload.Error = err.Error()
	}
	p.publish(protocol.EventReplyDelivered, payload)
	return nil
}

// deliver sends a canned message and records it as outbound.
func (p *Pipeline) deliver(ctx context.Context, conv *store.Conversation, cfg *store.InstanceConfig, text, serverURL string) {
	if err := p.d.Sender.Send(ctx, text, p.address(cfg, conv.Sender, serverURL)); err != nil {
		slog.Warn("pipeline.delivery_incomplete", "instance", conv.InstanceID, "sender", conv.Sender, "error", err)
	}
	p.appendLog(ctx, conv, store.RoleAssistant, text)
}

func (p *Pipeline) appendLog(ctx context.Context, conv *store.Conversation, role, text string) {
	if err := p.d.Conversations.AppendMessage(ctx, conv, role, text); err != nil {
		slog.Warn("pipeline.message_log_failed", "conversation", conv.ID, "role", role, "error", err)
	}
}

func (p *Pipeline) address(cfg *store.InstanceConfig, sender, baseURL string) delivery.Address {
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if baseURL == "" {
		baseURL = p.opts.DefaultBaseURL
	}
	return delivery.Address{InstanceID: cfg.InstanceID, Number: sender, BaseURL: baseURL, APIKey: cfg.APIKey}
}

// instanceConfig loads the instance's settings; a missing or unreadable
// config yields defaults so the message is still answered.
func (p *Pipeline) instanceConfig(ctx context.Context, instanceID string) *store.InstanceConfig {
	if p.d.Instances != nil {
		cfg, err := p.d.Instances.Get(ctx, instanceID)
		if err == nil {
			return cfg
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("pipeline.instance_config_failed", "instance", instanceID, "error", err)
		}
	}
	return &store.InstanceConfig{InstanceID: instanceID}
}

// Flush processes every buffered batch now. Called on shutdown so no
// buffered message is lost.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	if p.d.Buffers == nil {
		return 0, nil
	}
	return p.d.Buffers.FlushAllBuffers(ctx, p.ProcessBatch)
}

func (p *Pipeline) publish(name string, payload any) {
	if p.d.Events != nil {
		p.d.Events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// logWebhook writes the debug log entry on the side-task queue.
func (p *Pipeline) logWebhook(instanceID, event, status string, body []byte, cause error) {
	if p.d.Logs == nil {
		return
	}
	entry := &store.WebhookLog{
		ID:         uuid.Must(uuid.NewV7()),
		InstanceID: instanceID,
		Event:      event,
		Status:     status,
		Payload:    truncateBytes(body, p.opts.LogPayloadBytes),
		CreatedAt:  p.now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	run := func(ctx context.Context) error { return p.d.Logs.Append(ctx, entry) }
	if p.d.Tasks == nil || !p.d.Tasks.Submit(bus.Task{Name: "webhook.log", Run: run}) {
		slog.Debug("webhook.log_dropped", "instance", instanceID, "event", event)
	}
}

// BatchID derives a stable id for a batch from its message ids. Batches
// without ids fall back to sender, text and arrival times.
func BatchID(msgs []buffer.BufferedMessage) string {
	h := sha256.New()
	for _, m := range msgs {
		if m.MessageID != "" {
			fmt.Fprintf(h, "%s|%s\n", m.InstanceID, m.MessageID)
			continue
		}
		fmt.Fprintf(h, "%s|%s|%s|%d\n", m.InstanceID, m.Sender, m.Text, m.ReceivedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func lastServerURL(msgs []buffer.BufferedMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ServerURL != "" {
			return msgs[i].ServerURL
		}
	}
	return ""
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// appendNew appends the messages of more whose ids are not already in msgs.
func appendNew(msgs, more []buffer.BufferedMessage) []buffer.BufferedMessage {
	if len(more) == 0 {
		return msgs
	}
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		seen[m.MessageID] = true
	}
	out := append([]buffer.BufferedMessage(nil), msgs...)
	for _, m := range more {
		if m.MessageID != "" && seen[m.MessageID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
