package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/memory"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

func TestFindOrCreateConcurrentSameID(t *testing.T) {
	st := memory.NewConversationStore()
	// Two services over one store stand in for two processes.
	a := NewService(st, 0)
	b := NewService(st, 0)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := a
			if i%2 == 1 {
				svc = b
			}
			id, err := svc.FindOrCreate(context.Background(), "shop", "5511")
			if err != nil {
				t.Errorf("FindOrCreate: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("ids[%d] = %s, want %s", i, id, ids[0])
		}
	}
	latest, err := st.GetLatest(context.Background(), "shop", "5511")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.ID.String() != ids[0] {
		t.Errorf("stored conversation %s differs from returned %s", latest.ID, ids[0])
	}
}

// conflictOnceStore makes the first Create lose a race against another writer.
type conflictOnceStore struct {
	store.ConversationStore
	once sync.Once
}

func (s *conflictOnceStore) Create(ctx context.Context, c *store.Conversation) error {
	raced := false
	s.once.Do(func() {
		other := &store.Conversation{InstanceID: c.InstanceID, Sender: c.Sender, Status: protocol.ConversationActive, LastActivity: time.Now()}
		_ = s.ConversationStore.Create(ctx, other)
		raced = true
	})
	if raced {
		return store.ErrConflict
	}
	return s.ConversationStore.Create(ctx, c)
}

func TestFindOrCreateRequeriesAfterConflict(t *testing.T) {
	inner := memory.NewConversationStore()
	svc := NewService(&conflictOnceStore{ConversationStore: inner}, 0)

	id, err := svc.FindOrCreate(context.Background(), "shop", "5511")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	cur, _ := inner.GetCurrent(context.Background(), "shop", "5511")
	if cur.ID.String() != id {
		t.Errorf("returned %s, want the winner %s", id, cur.ID)
	}
}

func TestIdleSessionExpiresAndReactivates(t *testing.T) {
	st := memory.NewConversationStore()
	svc := NewService(st, 6*time.Hour)
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	ctx := context.Background()

	first, err := svc.Ensure(ctx, "shop", "5511")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	clock = clock.Add(5 * time.Hour)
	again, _ := svc.Ensure(ctx, "shop", "5511")
	if again.ID != first.ID || again.Context[NoteTransition] != TransitionCreated {
		t.Fatalf("within idle window should reuse untouched session, got %+v", again)
	}

	clock = clock.Add(6*time.Hour + time.Minute)
	later, err := svc.Ensure(ctx, "shop", "5511")
	if err != nil {
		t.Fatalf("Ensure after idle: %v", err)
	}
	if later.Status != protocol.ConversationActive {
		t.Errorf("status = %s, want active", later.Status)
	}
	stored, _ := st.GetCurrent(ctx, "shop", "5511")
	if stored.Context[NoteTransition] != TransitionReactivated {
		t.Errorf("transition note = %v, want reactivated", stored.Context[NoteTransition])
	}
	if _, ok := stored.Context[NoteExpiredReason]; !ok {
		t.Errorf("expiry reason not recorded: %v", stored.Context)
	}
	if !stored.LastActivity.Equal(clock) {
		t.Errorf("last activity = %v, want %v", stored.LastActivity, clock)
	}
}

func TestEscalatedSessionNeverIdleExpires(t *testing.T) {
	st := memory.NewConversationStore()
	svc := NewService(st, time.Hour)
	clock := time.Now()
	svc.now = func() time.Time { return clock }
	ctx := context.Background()

	c, _ := svc.Ensure(ctx, "shop", "5511")
	if err := svc.MarkEscalated(ctx, c.ID, protocol.EscalationUserRequest); err != nil {
		t.Fatalf("MarkEscalated: %v", err)
	}
	clock = clock.Add(48 * time.Hour)
	if n, _ := svc.ExpireIdle(ctx); n != 0 {
		t.Errorf("ExpireIdle touched %d escalated sessions", n)
	}
	got, _ := svc.Ensure(ctx, "shop", "5511")
	if got.ID != c.ID || got.Status != protocol.ConversationEscalated {
		t.Errorf("escalated session replaced: %+v", got)
	}

	if err := svc.MarkActive(ctx, "shop", "5511"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	got, _ = st.GetCurrent(ctx, "shop", "5511")
	if got.Status != protocol.ConversationActive || got.Context[NoteTransition] != TransitionResolved {
		t.Errorf("after resolve = %+v", got)
	}
}

func TestMarkActiveWithoutSessionIsNoop(t *testing.T) {
	svc := NewService(memory.NewConversationStore(), 0)
	if err := svc.MarkActive(context.Background(), "shop", "nobody"); err != nil {
		t.Errorf("MarkActive: %v", err)
	}
}

func TestMessageLog(t *testing.T) {
	svc := NewService(memory.NewConversationStore(), 0)
	ctx := context.Background()
	c, _ := svc.Ensure(ctx, "shop", "5511")
	_ = svc.AppendMessage(ctx, c, store.RoleUser, "hi")
	_ = svc.AppendMessage(ctx, c, store.RoleAssistant, "hello!")

	hist, err := svc.History(ctx, c.ID, 10)
	if err != nil || len(hist) != 2 {
		t.Fatalf("History = %v, %v", hist, err)
	}
	out, _ := svc.RecentOutbound(ctx, "shop", "5511", time.Now().Add(-time.Minute))
	if len(out) != 1 || out[0].Content != "hello!" {
		t.Errorf("RecentOutbound = %+v", out)
	}
	if err := svc.Touch(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Touch unknown err = %v", err)
	}
}
