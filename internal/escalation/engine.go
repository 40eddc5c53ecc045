// Package escalation decides when a conversation is handed to a human
// operator and owns escalation record creation and resolution.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

const (
	DefaultMessage      = "Thanks for your patience. A member of our team will take over this conversation shortly."
	DefaultReviewNotice = "Your conversation is being reviewed by our team. We will get back to you soon."
)

// Context is the input to one decision.
type Context struct {
	InstanceID   string
	Sender       string
	Conversation *store.Conversation
	Message      string
	Config       *store.InstanceConfig

	// Intent, when set, is an analysis the caller already has; otherwise the
	// engine asks its IntentAnalyzer.
	Intent *providers.IntentResult
}

// Decision is the engine's verdict for one inbound unit.
type Decision struct {
	NeedsEscalation  bool
	Reason           string // protocol.Escalation*, set when NeedsEscalation
	AlreadyEscalated bool
	SendReviewNotice bool   // AlreadyEscalated and no identical notice went out recently
	Message          string // text to deliver: escalation message or review notice
}

// Conversations is the slice of the conversation service the engine needs.
type Conversations interface {
	MarkEscalated(ctx context.Context, id uuid.UUID, reason string) error
	MarkActive(ctx context.Context, instanceID, sender string) error
	History(ctx context.Context, id uuid.UUID, limit int) ([]store.ConversationMessage, error)
	RecentOutbound(ctx context.Context, instanceID, sender string, since time.Time) ([]store.ConversationMessage, error)
}

// IntentAnalyzer flags messages that need a human.
type IntentAnalyzer interface {
	Analyze(ctx context.Context, req providers.IntentRequest) (providers.IntentResult, error)
}

// Notifier tells support staff about a new escalation.
type Notifier interface {
	Notify(ctx context.Context, notice providers.EscalationNotice) error
}

// Options tune the engine. Zero values take defaults.
type Options struct {
	DefaultMessage      string
	DefaultReviewNotice string
	NoticeWindow        time.Duration // review notice suppression (default 5m)
	CacheTTL            time.Duration // escalation state cache (default 30s)
	SnapshotTurns       int           // turns captured in a record (default 10)
}

func (o Options) withDefaults() Options {
	if o.DefaultMessage == "" {
		o.DefaultMessage = DefaultMessage
	}
	if o.DefaultReviewNotice == "" {
		o.DefaultReviewNotice = DefaultReviewNotice
	}
	if o.NoticeWindow <= 0 {
		o.NoticeWindow = 5 * time.Minute
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.SnapshotTurns <= 0 {
		o.SnapshotTurns = 10
	}
	return o
}

// state is a cached answer to "is this pair escalated"; rec nil means no.
type state struct {
	rec *store.EscalationRecord
}

// Engine evaluates escalation rules in order: already escalated, AI intent,
// keywords.
type Engine struct {
	records  store.EscalationStore
	convs    Conversations
	intent   IntentAnalyzer
	notifier Notifier
	tasks    bus.TaskQueue
	events   bus.EventPublisher
	opts     Options
	cache    *expirable.LRU[string, state]
	now      func() time.Time
}

// Deps groups the engine's collaborators. Intent, Notifier, Tasks and
// Events may be nil.
type Deps struct {
	Records       store.EscalationStore
	Conversations Conversations
	Intent        IntentAnalyzer
	Notifier      Notifier
	Tasks         bus.TaskQueue
	Events        bus.EventPublisher
}

func NewEngine(d Deps, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		records:  d.Records,
		convs:    d.Conversations,
		intent:   d.Intent,
		notifier: d.Notifier,
		tasks:    d.Tasks,
		events:   d.Events,
		opts:     opts,
		cache:    expirable.NewLRU[string, state](10000, nil, opts.CacheTTL),
		now:      time.Now,
	}
}

// Decide evaluates the rules for one inbound unit and, when a new escalation
// fires, records it. The first matching rule wins.
func (e *Engine) Decide(ctx context.Context, ec Context) (Decision, error) {
	cfg := ec.Config
	if cfg == nil {
		cfg = &store.InstanceConfig{InstanceID: ec.InstanceID}
	}

	active, err := e.Active(ctx, ec.InstanceID, ec.Sender)
	if err != nil {
		return Decision{}, err
	}
	if active != nil {
		return e.stayEscalated(ctx, ec, cfg), nil
	}

	if cfg.SmartEscalationEnabled {
		if res := e.analyze(ctx, ec); res != nil && res.NeedsHumanSupport {
			return e.escalate(ctx, ec, cfg, protocol.EscalationAIDetected)
		}
	}

	if cfg.KeywordEscalationEnabled {
		if kw, ok := MatchKeyword(ec.Message, cfg.EscalationKeywords); ok {
			slog.Debug("escalation.keyword_match", "instance", ec.InstanceID, "sender", ec.Sender, "keyword", kw)
			return e.escalate(ctx, ec, cfg, protocol.EscalationUserRequest)
		}
	}

	return Decision{}, nil
}

// analyze returns the caller-supplied intent or asks the analyzer. Analyzer
// failures count as "no signal".
func (e *Engine) analyze(ctx context.Context, ec Context) *providers.IntentResult {
	if ec.Intent != nil {
		return ec.Intent
	}
	if e.intent == nil {
		return nil
	}
	res, err := e.intent.Analyze(ctx, providers.IntentRequest{
		InstanceID: ec.InstanceID,
		Sender:     ec.Sender,
		Message:    ec.Message,
	})
	if err != nil {
		slog.Warn("escalation.intent_failed", "instance", ec.InstanceID, "sender", ec.Sender, "error", err)
		return nil
	}
	return &res
}

// MatchKeyword reports the first keyword contained in text, compared
// case-insensitively and then exactly.
func MatchKeyword(text string, keywords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) || strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

// Active returns the pair's unresolved escalation, or nil. Answers are cached
// for the configured TTL so a resolution made by another process is seen
// within that window.
func (e *Engine) Active(ctx context.Context, instanceID, sender string) (*store.EscalationRecord, error) {
	key := instanceID + ":" + sender
	if st, ok := e.cache.Get(key); ok {
		return st.rec, nil
	}
	rec, err := e.records.GetActive(ctx, instanceID, sender)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escalation: lookup: %w", err)
	}
	e.cache.Add(key, state{rec: rec})
	return rec, nil
}

// IsEscalated is Active reduced to a bool.
func (e *Engine) IsEscalated(ctx context.Context, instanceID, sender string) (bool, error) {
	rec, err := e.Active(ctx, instanceID, sender)
	return rec != nil, err
}

func (e *Engine) stayEscalated(ctx context.Context, ec Context, cfg *store.InstanceConfig) Decision {
	notice := ReviewNotice(cfg, e.opts.DefaultReviewNotice)
	d := Decision{AlreadyEscalated: true, Message: notice}
	d.SendReviewNotice = !e.noticeSentRecently(ctx, ec.InstanceID, ec.Sender, notice)
	return d
}

// noticeSentRecently scans outbound messages within the notice window for
// an identical notice. Lookup failures suppress the notice.
func (e *Engine) noticeSentRecently(ctx context.Context, instanceID, sender, notice string) bool {
	since := e.now().Add(-e.opts.NoticeWindow)
	recent, err := e.convs.RecentOutbound(ctx, instanceID, sender, since)
	if err != nil {
		slog.Warn("escalation.notice_lookup_failed", "instance", instanceID, "sender", sender, "error", err)
		return true
	}
	for _, m := range recent {
		if m.Content == notice {
			return true
		}
	}
	return false
}

func (e *Engine) escalate(ctx context.Context, ec Context, cfg *store.InstanceConfig, reason string) (Decision, error) {
	now := e.now()
	rec := &store.EscalationRecord{
		ID:          uuid.Must(uuid.NewV7()),
		InstanceID:  ec.InstanceID,
		Sender:      ec.Sender,
		Reason:      reason,
		EscalatedAt: now,
	}
	if ec.Conversation != nil {
		id := ec.Conversation.ID
		rec.ConversationID = &id
		rec.ContextSnapshot = e.snapshot(ctx, id)
	}
	if ec.Message != "" {
		rec.ContextSnapshot = append(rec.ContextSnapshot, store.Turn{Role: store.RoleUser, Content: ec.Message, At: now})
	}

	key := ec.InstanceID + ":" + ec.Sender
	if err := e.records.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker escalated the pair first.
			e.cache.Remove(key)
			slog.Info("escalation.already_recorded", "instance", ec.InstanceID, "sender", ec.Sender)
			return e.stayEscalated(ctx, ec, cfg), nil
		}
		return Decision{}, fmt.Errorf("escalation: create record: %w", err)
	}
	e.cache.Add(key, state{rec: rec})

	if ec.Conversation != nil {
		if err := e.convs.MarkEscalated(ctx, ec.Conversation.ID, reason); err != nil {
			slog.Warn("escalation.mark_conversation_failed", "conversation", ec.Conversation.ID, "error", err)
		}
	}
	slog.Info("escalation.created", "instance", ec.InstanceID, "sender", ec.Sender, "reason", reason, "id", rec.ID)

	e.notify(cfg, rec, ec.Message)
	e.publish(protocol.EventEscalated, rec)

	return Decision{NeedsEscalation: true, Reason: reason, Message: EscalationMessage(cfg, e.opts.DefaultMessage)}, nil
}

func (e *Engine) snapshot(ctx context.Context, conversationID uuid.UUID) []store.Turn {
	hist, err := e.convs.History(ctx, conversationID, e.opts.SnapshotTurns)
	if err != nil {
		slog.Warn("escalation.snapshot_failed", "conversation", conversationID, "error", err)
		return nil
	}
	turns := make([]store.Turn, 0, len(hist)+1)
	for _, m := range hist {
		turns = append(turns, store.Turn{Role: m.Role, Content: m.Content, At: m.CreatedAt})
	}
	return turns
}

// notify hands the support notification to the side-task queue. It never
// blocks the decision and its failure is only logged.
func (e *Engine) notify(cfg *store.InstanceConfig, rec *store.EscalationRecord, lastMessage string) {
	if e.notifier == nil || len(cfg.SupportNumbers) == 0 {
		return
	}
	notice := providers.EscalationNotice{
		InstanceID: rec.InstanceID,
		Sender:     rec.Sender,
		Reason:     rec.Reason,
		Numbers:    append([]string(nil), cfg.SupportNumbers...),
		Message:    lastMessage,
		At:         rec.EscalatedAt,
	}
	task := bus.Task{Name: "escalation.notify", Run: func(ctx context.Context) error {
		return e.notifier.Notify(ctx, notice)
	}}
	if e.tasks == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := task.Run(ctx); err != nil {
				slog.Warn("escalation.notify_failed", "instance", rec.InstanceID, "error", err)
			}
		}()
		return
	}
	if !e.tasks.Submit(task) {
		slog.Warn("escalation.notify_dropped", "instance", rec.InstanceID, "sender", rec.Sender)
	}
}

func (e *Engine) publish(name string, rec *store.EscalationRecord) {
	if e.events == nil {
		return
	}
	p := bus.ConversationPayload{InstanceID: rec.InstanceID, Sender: rec.Sender, Reason: rec.Reason}
	if rec.ConversationID != nil {
		p.ConversationID = rec.ConversationID.String()
	}
	e.events.Broadcast(bus.Event{Name: name, Payload: p})
}

// Resolve closes the pair's unresolved escalation on behalf of an operator
// and returns the conversation to automated handling. Returns
// store.ErrNotFound when nothing is escalated.
func (e *Engine) Resolve(ctx context.Context, instanceID, sender, resolvedBy string) (*store.EscalationRecord, error) {
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	rec, err := e.records.Resolve(ctx, instanceID, sender, resolvedBy, e.now())
	e.cache.Remove(instanceID + ":" + sender)
	if err != nil {
		return nil, fmt.Errorf("escalation: resolve: %w", err)
	}
	if err := e.convs.MarkActive(ctx, instanceID, sender); err != nil {
		return rec, fmt.Errorf("escalation: reactivate conversation: %w", err)
	}
	slog.Info("escalation.resolved", "instance", instanceID, "sender", sender, "by", resolvedBy, "id", rec.ID)
	e.publish(protocol.EventEscalationClosed, rec)
	return rec, nil
}

// List returns escalation records, newest first.
func (e *Engine) List(ctx context.Context, instanceID string, includeResolved bool, limit int) ([]store.EscalationRecord, error) {
	return e.records.List(ctx, instanceID, includeResolved, limit)
}

// ReviewNotice returns the instance's "under review" text or fallback.
func ReviewNotice(cfg *store.InstanceConfig, fallback string) string {
	if cfg != nil && cfg.ReviewNoticeMessage != "" {
		return cfg.ReviewNoticeMessage
	}
	if fallback == "" {
		return DefaultReviewNotice
	}
	return fallback
}

// EscalationMessage returns the instance's hand-off text or fallback.
func EscalationMessage(cfg *store.InstanceConfig, fallback string) string {
	if cfg != nil && cfg.EscalationMessage != "" {
		return cfg.EscalationMessage
	}
	if fallback == "" {
		return DefaultMessage
	}
	return fallback
}
