package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

func TestConversationCurrentUniqueness(t *testing.T) {
	s := NewConversationStore()
	ctx := context.Background()

	a := &store.Conversation{InstanceID: "inst", Sender: "5511", Status: protocol.ConversationActive, LastActivity: time.Now()}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := &store.Conversation{InstanceID: "inst", Sender: "5511", Status: protocol.ConversationActive, LastActivity: time.Now()}
	if err := s.Create(ctx, b); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second Create err = %v, want ErrConflict", err)
	}

	// Expired conversations do not count as current.
	if err := s.UpdateStatus(ctx, a.ID, protocol.ConversationExpired, time.Now(), map[string]any{"last_transition": "expired"}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create after expiry: %v", err)
	}
	if err := s.UpdateStatus(ctx, a.ID, protocol.ConversationActive, time.Now(), nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reactivate with live twin err = %v, want ErrConflict", err)
	}

	got, err := s.GetCurrent(ctx, "inst", "5511")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("GetCurrent = %s, want %s", got.ID, b.ID)
	}
}

func TestExpireIdleSkipsEscalated(t *testing.T) {
	s := NewConversationStore()
	ctx := context.Background()
	old := time.Now().Add(-7 * time.Hour)

	for i, status := range []string{protocol.ConversationActive, protocol.ConversationEscalated} {
		c := &store.Conversation{InstanceID: "inst", Sender: string(rune('a' + i)), Status: status, LastActivity: old}
		if err := s.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	n, err := s.ExpireIdle(ctx, time.Now().Add(-6*time.Hour), nil)
	if err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireIdle = %d, want 1", n)
	}
	if _, err := s.GetCurrent(ctx, "inst", "b"); err != nil {
		t.Errorf("escalated conversation should stay current: %v", err)
	}
}

func TestRecentMessagesLimitOldestFirst(t *testing.T) {
	s := NewConversationStore()
	ctx := context.Background()
	c := &store.Conversation{InstanceID: "inst", Sender: "5511", Status: protocol.ConversationActive}
	_ = s.Create(ctx, c)

	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = s.AppendMessage(ctx, &store.ConversationMessage{
			ConversationID: c.ID, InstanceID: "inst", Sender: "5511",
			Role: store.RoleUser, Content: string(rune('0' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	got, _ := s.RecentMessages(ctx, c.ID, 3)
	if len(got) != 3 || got[0].Content != "2" || got[2].Content != "4" {
		t.Fatalf("RecentMessages = %+v", got)
	}
}

func TestEscalationSingleUnresolved(t *testing.T) {
	s := NewEscalationStore()
	ctx := context.Background()

	r := &store.EscalationRecord{InstanceID: "inst", Sender: "5511", Reason: protocol.EscalationUserRequest}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, &store.EscalationRecord{InstanceID: "inst", Sender: "5511"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second Create err = %v, want ErrConflict", err)
	}
	resolved, err := s.Resolve(ctx, "inst", "5511", "operator", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ResolvedAt == nil || resolved.ResolvedBy != "operator" {
		t.Errorf("Resolve returned %+v", resolved)
	}
	if _, err := s.GetActive(ctx, "inst", "5511"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetActive after resolve err = %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve(ctx, "inst", "5511", "", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Resolve err = %v, want ErrNotFound", err)
	}
	all, _ := s.List(ctx, "inst", true, 0)
	if len(all) != 1 {
		t.Errorf("List(includeResolved) = %d, want 1", len(all))
	}
}
