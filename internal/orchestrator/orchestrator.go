// Package orchestrator generates the automated reply for one coalesced
// inbound unit: parallel preparatory lookups with isolated fallbacks,
// personality selection, context assembly and the completion call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replydesk/internal/dedup"
	"github.com/nextlevelbuilder/replydesk/internal/escalation"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// ErrGenerationFailed wraps every completion failure. A quota failure also
// matches providers.ErrQuotaExceeded.
var ErrGenerationFailed = errors.New("orchestrator: generation failed")

// Skip reasons reported in Reply.SkipReason.
const (
	SkipDuplicate    = "duplicate"
	SkipAutoResponse = "auto_response"
	SkipEscalated    = "escalated"
)

// Request is one coalesced inbound unit.
type Request struct {
	InstanceID   string
	Sender       string
	Conversation *store.Conversation
	Text         string // combined batch text
	ServerURL    string // origin gateway from the inbound event
	Config       *store.InstanceConfig
}

// Reply is the outcome of Generate.
type Reply struct {
	Text        string
	Skipped     bool
	SkipReason  string
	BaseURL     string // resolved outbound gateway for delivery
	Personality string
}

// Conversations is the message-log access the orchestrator needs.
type Conversations interface {
	History(ctx context.Context, id uuid.UUID, limit int) ([]store.ConversationMessage, error)
	RecentOutbound(ctx context.Context, instanceID, sender string, since time.Time) ([]store.ConversationMessage, error)
	AppendMessage(ctx context.Context, c *store.Conversation, role, content string) error
}

// EscalationChecker answers whether a pair is with a human operator.
type EscalationChecker interface {
	IsEscalated(ctx context.Context, instanceID, sender string) (bool, error)
}

// KnowledgeSearcher retrieves ranked snippets.
type KnowledgeSearcher interface {
	Search(ctx context.Context, instanceID, query string, fileIDs []string, limit int) ([]providers.Snippet, error)
}

// PromptBuilder generates a system prompt.
type PromptBuilder interface {
	Build(ctx context.Context, req providers.PromptRequest) (string, error)
}

// PersonalityClassifier picks a personality for a message.
type PersonalityClassifier interface {
	Classify(ctx context.Context, instanceID, message string) (*providers.Personality, error)
}

// Deps groups collaborators. Only Conversations and Completer are required.
type Deps struct {
	Conversations       Conversations
	Escalations         EscalationChecker
	Instances           store.InstanceConfigStore
	Completer           providers.Completer
	Knowledge           KnowledgeSearcher
	Prompt              PromptBuilder
	PersonalityPrimary  PersonalityClassifier
	PersonalityFallback PersonalityClassifier
}

// Options tune generation.
type Options struct {
	LookupTimeout       time.Duration // per preparatory lookup (default 5s)
	HistoryTurns        int           // default 20
	DuplicateThreshold  float64       // default 0.9
	DuplicateWindow     time.Duration // outbound messages compared for echoes (default 24h)
	GreetingPhrases     []string
	DefaultBaseURL      string
	DefaultReviewNotice string
	DefaultEscalation   string
	KnowledgeLimit      int // default 5
}

func (o Options) withDefaults() Options {
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 5 * time.Second
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 20
	}
	if o.DuplicateThreshold <= 0 {
		o.DuplicateThreshold = dedup.DefaultThreshold
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = 24 * time.Hour
	}
	if o.KnowledgeLimit <= 0 {
		o.KnowledgeLimit = 5
	}
	return o
}

type Orchestrator struct {
	d    Deps
	opts Options
	now  func() time.Time
}

func New(d Deps, opts Options) *Orchestrator {
	return &Orchestrator{d: d, opts: opts.withDefaults(), now: time.Now}
}

// lookups holds the results of the four preparatory calls.
type lookups struct {
	duplicate string // skip reason, "" when not a duplicate
	history   []store.ConversationMessage
	baseURL   string
	escalated bool
}

// Generate produces the reply for req. Lookup failures degrade to safe
// defaults; a completion failure is returned wrapped in ErrGenerationFailed
// and nothing is persisted.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (reply Reply, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.generate",
		attribute.String("instance", req.InstanceID),
		attribute.Int("text_len", len(req.Text)),
	)
	defer func() { tracing.End(span, err) }()

	cfg := req.Config
	if cfg == nil {
		cfg = &store.InstanceConfig{InstanceID: req.InstanceID}
	}

	lk := o.prepare(ctx, req, cfg)
	reply.BaseURL = lk.baseURL
	if lk.duplicate != "" {
		slog.Info("orchestrator.skipped", "instance", req.InstanceID, "sender", req.Sender, "reason", lk.duplicate)
		return Reply{Skipped: true, SkipReason: lk.duplicate, BaseURL: lk.baseURL}, nil
	}
	if lk.escalated {
		slog.Info("orchestrator.skipped", "instance", req.InstanceID, "sender", req.Sender, "reason", SkipEscalated)
		return Reply{Skipped: true, SkipReason: SkipEscalated, BaseURL: lk.baseURL}, nil
	}

	personality, snippets := o.enrich(ctx, req, cfg)

	base := cfg.SystemPrompt
	temperature := cfg.Temperature
	if personality != nil {
		reply.Personality = personality.Name
		if personality.SystemPrompt != "" {
			base = personality.SystemPrompt
		}
		if personality.Temperature != nil {
			temperature = *personality.Temperature
		}
	}

	greeting := cfg.GreetingDetectionEnabled && IsGreeting(req.Text, o.opts.GreetingPhrases)
	history := formatHistory(lk.history)
	knowledge := formatSnippets(snippets)
	base = o.buildPrompt(ctx, req, base, reply.Personality, greeting, history)

	system := assembleSystemPrompt(base, greeting, history, knowledge)
	chat := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Text},
		},
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}
	if temperature > 0 {
		chat.Temperature = &temperature
	}

	resp, err := o.d.Completer.Chat(ctx, chat)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty completion", ErrGenerationFailed)
	}
	reply.Text = text

	if req.Conversation != nil {
		if err := o.d.Conversations.AppendMessage(ctx, req.Conversation, store.RoleUser, req.Text); err != nil {
			slog.Warn("orchestrator.persist_failed", "role", store.RoleUser, "conversation", req.Conversation.ID, "error", err)
		}
		if err := o.d.Conversations.AppendMessage(ctx, req.Conversation, store.RoleAssistant, text); err != nil {
			slog.Warn("orchestrator.persist_failed", "role", store.RoleAssistant, "conversation", req.Conversation.ID, "error", err)
		}
	}
	slog.Info("orchestrator.generated", "instance", req.InstanceID, "sender", req.Sender,
		"chars", len(text), "personality", reply.Personality, "snippets", len(snippets), "greeting", greeting)
	return reply, nil
}

// prepare runs the duplicate, history, base URL and escalation lookups
// concurrently. Each one has its own timeout and falls back to a default on
// failure, so the group never fails as a whole.
func (o *Orchestrator) prepare(ctx context.Context, req Request, cfg *store.InstanceConfig) lookups {
	lk := lookups{baseURL: o.fallbackBaseURL(req, cfg)}
	var g errgroup.Group

	g.Go(func() error {
		lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
		defer cancel()
		lk.duplicate = o.checkDuplicate(lctx, req, cfg)
		return nil
	})
	g.Go(func() error {
		if req.Conversation == nil {
			return nil
		}
		lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
		defer cancel()
		hist, err := o.d.Conversations.History(lctx, req.Conversation.ID, o.opts.HistoryTurns)
		if err != nil {
			slog.Warn("orchestrator.history_failed", "conversation", req.Conversation.ID, "error", err)
			return nil
		}
		lk.history = hist
		return nil
	})
	g.Go(func() error {
		if o.d.Instances == nil || cfg.BaseURL != "" {
			return nil
		}
		lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
		defer cancel()
		fresh, err := o.d.Instances.Get(lctx, req.InstanceID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("orchestrator.base_url_failed", "instance", req.InstanceID, "error", err)
			}
			return nil
		}
		if fresh.BaseURL != "" {
			lk.baseURL = fresh.BaseURL
		}
		return nil
	})
	g.Go(func() error {
		if o.d.Escalations == nil {
			return nil
		}
		lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
		defer cancel()
		esc, err := o.d.Escalations.IsEscalated(lctx, req.InstanceID, req.Sender)
		if err != nil {
			slog.Warn("orchestrator.escalation_check_failed", "instance", req.InstanceID, "sender", req.Sender, "error", err)
			return nil
		}
		lk.escalated = esc
		return nil
	})

	_ = g.Wait()
	return lk
}

func (o *Orchestrator) fallbackBaseURL(req Request, cfg *store.InstanceConfig) string {
	switch {
	case cfg.BaseURL != "":
		return cfg.BaseURL
	case req.ServerURL != "":
		return req.ServerURL
	default:
		return o.opts.DefaultBaseURL
	}
}

// checkDuplicate classifies the text as a bot echo: an exact configured
// auto-response or a near-duplicate of something recently sent.
func (o *Orchestrator) checkDuplicate(ctx context.Context, req Request, cfg *store.InstanceConfig) string {
	if dedup.IsAutoResponse(req.Text,
		cfg.VoiceMessageDefaultResponse,
		escalation.EscalationMessage(cfg, o.opts.DefaultEscalation),
		escalation.ReviewNotice(cfg, o.opts.DefaultReviewNotice),
	) {
		return SkipAutoResponse
	}
	sent, err := o.d.Conversations.RecentOutbound(ctx, req.InstanceID, req.Sender, o.now().Add(-o.opts.DuplicateWindow))
	if err != nil {
		slog.Warn("orchestrator.duplicate_check_failed", "instance", req.InstanceID, "sender", req.Sender, "error", err)
		return ""
	}
	texts := make([]string, 0, len(sent))
	for _, m := range sent {
		texts = append(texts, m.Content)
	}
	if dedup.IsDuplicate(req.Text, texts, o.opts.DuplicateThreshold) {
		return SkipDuplicate
	}
	return ""
}

// enrich selects a personality and retrieves knowledge in parallel.
func (o *Orchestrator) enrich(ctx context.Context, req Request, cfg *store.InstanceConfig) (*providers.Personality, []providers.Snippet) {
	var (
		personality *providers.Personality
		snippets    []providers.Snippet
		g           errgroup.Group
	)
	if cfg.PersonalitiesEnabled {
		g.Go(func() error {
			personality = o.selectPersonality(ctx, req)
			return nil
		})
	}
	if o.d.Knowledge != nil && len(cfg.KnowledgeFileIDs) > 0 {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
			defer cancel()
			s, err := o.d.Knowledge.Search(lctx, req.InstanceID, req.Text, cfg.KnowledgeFileIDs, o.opts.KnowledgeLimit)
			if err != nil {
				slog.Warn("orchestrator.knowledge_failed", "instance", req.InstanceID, "error", err)
				return nil
			}
			snippets = s
			return nil
		})
	}
	_ = g.Wait()
	return personality, snippets
}

// selectPersonality tries the primary classifier, then the secondary, then
// gives up and keeps the instance defaults.
func (o *Orchestrator) selectPersonality(ctx context.Context, req Request) *providers.Personality {
	for i, c := range []PersonalityClassifier{o.d.PersonalityPrimary, o.d.PersonalityFallback} {
		if c == nil {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
		p, err := c.Classify(lctx, req.InstanceID, req.Text)
		cancel()
		if err == nil {
			return p
		}
		slog.Warn("orchestrator.personality_failed", "instance", req.InstanceID, "classifier", i, "error", err)
	}
	return nil
}

// buildPrompt asks the prompt service for a system prompt, keeping base
// when the service is absent, fails or returns nothing.
func (o *Orchestrator) buildPrompt(ctx context.Context, req Request, base, personality string, greeting bool, history string) string {
	if o.d.Prompt == nil {
		return base
	}
	lctx, cancel := context.WithTimeout(ctx, o.opts.LookupTimeout)
	defer cancel()
	p, err := o.d.Prompt.Build(lctx, providers.PromptRequest{
		InstanceID:   req.InstanceID,
		BasePrompt:   base,
		Personality:  personality,
		Context:      history,
		Message:      req.Text,
		GreetingHint: greeting,
	})
	if err != nil {
		slog.Warn("orchestrator.prompt_failed", "instance", req.InstanceID, "error", err)
		return base
	}
	if strings.TrimSpace(p) == "" {
		return base
	}
	return p
}
