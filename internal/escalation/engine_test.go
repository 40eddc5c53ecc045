package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/conversation"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/memory"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

type fakeIntent struct {
	res   providers.IntentResult
	err   error
	calls int
}

func (f *fakeIntent) Analyze(context.Context, providers.IntentRequest) (providers.IntentResult, error) {
	f.calls++
	return f.res, f.err
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []bus.Task
}

func (q *captureQueue) Submit(t bus.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return true
}

type recordingNotifier struct {
	notices []providers.EscalationNotice
}

func (n *recordingNotifier) Notify(_ context.Context, notice providers.EscalationNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type harness struct {
	engine  *Engine
	convs   *conversation.Service
	records *memory.EscalationStore
	intent  *fakeIntent
	queue   *captureQueue
	notif   *recordingNotifier
}

func newHarness() *harness {
	h := &harness{
		convs:   conversation.NewService(memory.NewConversationStore(), 0),
		records: memory.NewEscalationStore(),
		intent:  &fakeIntent{},
		queue:   &captureQueue{},
		notif:   &recordingNotifier{},
	}
	h.engine = NewEngine(Deps{
		Records:       h.records,
		Conversations: h.convs,
		Intent:        h.intent,
		Notifier:      h.notif,
		Tasks:         h.queue,
	}, Options{})
	return h
}

func (h *harness) context(t *testing.T, msg string, cfg *store.InstanceConfig) Context {
	t.Helper()
	c, err := h.convs.Ensure(context.Background(), "shop", "5511")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return Context{InstanceID: "shop", Sender: "5511", Conversation: c, Message: msg, Config: cfg}
}

func TestDecideRules(t *testing.T) {
	tests := []struct {
		name       string
		cfg        store.InstanceConfig
		msg        string
		intent     providers.IntentResult
		intentErr  error
		wantEsc    bool
		wantReason string
	}{
		{
			name:       "keyword refund",
			cfg:        store.InstanceConfig{KeywordEscalationEnabled: true, EscalationKeywords: []string{"urgent", "refund"}},
			msg:        "I need a refund now",
			wantEsc:    true,
			wantReason: protocol.EscalationUserRequest,
		},
		{
			name:       "keyword is case-insensitive",
			cfg:        store.InstanceConfig{KeywordEscalationEnabled: true, EscalationKeywords: []string{"Urgent"}},
			msg:        "this is URGENT",
			wantEsc:    true,
			wantReason: protocol.EscalationUserRequest,
		},
		{
			name: "keywords disabled",
			cfg:  store.InstanceConfig{EscalationKeywords: []string{"refund"}},
			msg:  "I need a refund now",
		},
		{
			name:       "ai intent without keyword",
			cfg:        store.InstanceConfig{SmartEscalationEnabled: true, KeywordEscalationEnabled: true, EscalationKeywords: []string{"urgent"}},
			msg:        "can someone call me",
			intent:     providers.IntentResult{NeedsHumanSupport: true},
			wantEsc:    true,
			wantReason: protocol.EscalationAIDetected,
		},
		{
			name:       "ai intent wins over keyword",
			cfg:        store.InstanceConfig{SmartEscalationEnabled: true, KeywordEscalationEnabled: true, EscalationKeywords: []string{"refund"}},
			msg:        "refund please",
			intent:     providers.IntentResult{NeedsHumanSupport: true},
			wantEsc:    true,
			wantReason: protocol.EscalationAIDetected,
		},
		{
			name:   "ai intent ignored when smart escalation is off",
			cfg:    store.InstanceConfig{},
			msg:    "can someone call me",
			intent: providers.IntentResult{NeedsHumanSupport: true},
		},
		{
			name:       "analyzer failure falls through to keywords",
			cfg:        store.InstanceConfig{SmartEscalationEnabled: true, KeywordEscalationEnabled: true, EscalationKeywords: []string{"refund"}},
			msg:        "refund please",
			intentErr:  errors.New("timeout"),
			wantEsc:    true,
			wantReason: protocol.EscalationUserRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.intent.res, h.intent.err = tt.intent, tt.intentErr
			cfg := tt.cfg
			d, err := h.engine.Decide(context.Background(), h.context(t, tt.msg, &cfg))
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if d.NeedsEscalation != tt.wantEsc || d.Reason != tt.wantReason {
				t.Errorf("Decide = %+v, want escalate=%v reason=%q", d, tt.wantEsc, tt.wantReason)
			}
			if tt.wantEsc && d.Message != DefaultMessage {
				t.Errorf("message = %q", d.Message)
			}
		})
	}
}

func TestEscalationSideEffects(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	cfg := &store.InstanceConfig{
		KeywordEscalationEnabled: true,
		EscalationKeywords:       []string{"human"},
		EscalationMessage:        "Connecting you to a human.",
		SupportNumbers:           []string{"5500"},
	}
	ec := h.context(t, "let me talk to a human", cfg)
	_ = h.convs.AppendMessage(ctx, ec.Conversation, store.RoleUser, "hello")
	_ = h.convs.AppendMessage(ctx, ec.Conversation, store.RoleAssistant, "hi, how can I help?")

	d, err := h.engine.Decide(ctx, ec)
	if err != nil || !d.NeedsEscalation || d.Message != "Connecting you to a human." {
		t.Fatalf("Decide = %+v, %v", d, err)
	}

	rec, err := h.records.GetActive(ctx, "shop", "5511")
	if err != nil {
		t.Fatalf("no active record: %v", err)
	}
	if len(rec.ContextSnapshot) != 3 || rec.ContextSnapshot[2].Content != "let me talk to a human" {
		t.Errorf("snapshot = %+v", rec.ContextSnapshot)
	}
	c, _ := h.convs.Ensure(ctx, "shop", "5511")
	if c.Status != protocol.ConversationEscalated {
		t.Errorf("conversation status = %s", c.Status)
	}

	if len(h.queue.tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(h.queue.tasks))
	}
	if err := h.queue.tasks[0].Run(ctx); err != nil {
		t.Fatalf("notify task: %v", err)
	}
	if len(h.notif.notices) != 1 || h.notif.notices[0].Numbers[0] != "5500" {
		t.Errorf("notices = %+v", h.notif.notices)
	}
}

func TestAlreadyEscalatedNoticeOncePerWindow(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	cfg := &store.InstanceConfig{KeywordEscalationEnabled: true, EscalationKeywords: []string{"refund"}}

	ec := h.context(t, "refund", cfg)
	if d, _ := h.engine.Decide(ctx, ec); !d.NeedsEscalation {
		t.Fatalf("first decision should escalate: %+v", d)
	}

	ec = h.context(t, "hello? refund!", cfg)
	d, err := h.engine.Decide(ctx, ec)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.NeedsEscalation || !d.AlreadyEscalated || !d.SendReviewNotice || d.Message != DefaultReviewNotice {
		t.Fatalf("second decision = %+v", d)
	}
	// The caller delivers the notice and logs it as outbound.
	_ = h.convs.AppendMessage(ctx, ec.Conversation, store.RoleAssistant, d.Message)

	d, _ = h.engine.Decide(ctx, ec)
	if !d.AlreadyEscalated || d.SendReviewNotice {
		t.Errorf("notice within window should be suppressed: %+v", d)
	}

	list, _ := h.records.List(ctx, "shop", true, 10)
	if len(list) != 1 {
		t.Errorf("records = %d, want exactly 1", len(list))
	}

	later := time.Now().Add(6 * time.Minute)
	h.engine.now = func() time.Time { return later }
	d, _ = h.engine.Decide(ctx, ec)
	if !d.SendReviewNotice {
		t.Errorf("notice after window should be sent again: %+v", d)
	}
}

func TestCreateConflictTreatedAsAlreadyEscalated(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	// Another process escalated the pair; this engine's cache still says no.
	if _, err := h.engine.Active(ctx, "shop", "5511"); err != nil {
		t.Fatal(err)
	}
	_ = h.records.Create(ctx, &store.EscalationRecord{InstanceID: "shop", Sender: "5511", Reason: protocol.EscalationUserRequest, EscalatedAt: time.Now()})

	cfg := &store.InstanceConfig{KeywordEscalationEnabled: true, EscalationKeywords: []string{"refund"}}
	d, err := h.engine.Decide(ctx, h.context(t, "refund", cfg))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.NeedsEscalation || !d.AlreadyEscalated {
		t.Errorf("Decide = %+v, want already escalated", d)
	}
	if len(h.queue.tasks) != 0 {
		t.Error("no notification expected for a lost race")
	}
}

func TestResolve(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	cfg := &store.InstanceConfig{KeywordEscalationEnabled: true, EscalationKeywords: []string{"refund"}}
	_, _ = h.engine.Decide(ctx, h.context(t, "refund", cfg))

	rec, err := h.engine.Resolve(ctx, "shop", "5511", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.ResolvedAt == nil || rec.ResolvedBy != "alice" {
		t.Errorf("record = %+v", rec)
	}
	if esc, _ := h.engine.IsEscalated(ctx, "shop", "5511"); esc {
		t.Error("cache should be invalidated on resolve")
	}
	c, _ := h.convs.Ensure(ctx, "shop", "5511")
	if c.Status != protocol.ConversationActive {
		t.Errorf("conversation status = %s", c.Status)
	}
	if _, err := h.engine.Resolve(ctx, "shop", "5511", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second resolve err = %v", err)
	}
}

func TestMatchKeyword(t *testing.T) {
	if _, ok := MatchKeyword("all good", []string{"", "  "}); ok {
		t.Error("blank keywords must not match")
	}
	if kw, ok := MatchKeyword("Preciso de AJUDA", []string{"ajuda"}); !ok || kw != "ajuda" {
		t.Errorf("MatchKeyword = %q, %v", kw, ok)
	}
}
