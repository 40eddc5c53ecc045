// Package conversation owns the conversation session lifecycle: find or
// create the current session for a pair, idle expiry and reactivation, and
// the escalated/active status flips.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// DefaultIdleTimeout is how long an active session may sit idle before the
// next access expires it.
const DefaultIdleTimeout = 6 * time.Hour

// Context note keys written on every transition.
const (
	NoteTransition    = "last_transition"
	NoteTransitionAt  = "transition_at"
	NoteExpiredReason = "expired_reason"
)

// Transition names recorded under NoteTransition.
const (
	TransitionCreated     = "created"
	TransitionReactivated = "reactivated"
	TransitionExpired     = "expired"
	TransitionEscalated   = "escalated"
	TransitionResolved    = "resolved"
)

const maxSettleAttempts = 4

// Service implements the conversation session rules on top of a ConversationStore.
type Service struct {
	store store.ConversationStore
	idle  time.Duration
	locks keyLocks
	now   func() time.Time
}

func NewService(s store.ConversationStore, idleTimeout time.Duration) *Service {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Service{store: s, idle: idleTimeout, now: time.Now}
}

// FindOrCreate returns the id of the pair's current session, expiring and
// reactivating or creating one as needed.
func (s *Service) FindOrCreate(ctx context.Context, instanceID, sender string) (string, error) {
	c, err := s.Ensure(ctx, instanceID, sender)
	if err != nil {
		return "", err
	}
	return c.ID.String(), nil
}

// Ensure is FindOrCreate returning the whole session.
//
// Calls for one pair are serialized in-process; across processes the
// store's uniqueness constraint rejects a second current session with
// store.ErrConflict, and the loop re-reads whatever the winner wrote.
func (s *Service) Ensure(ctx context.Context, instanceID, sender string) (*store.Conversation, error) {
	unlock := s.locks.lock(instanceID + ":" + sender)
	defer unlock()

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		c, err := s.settle(ctx, instanceID, sender)
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("conversation.conflict_retry", "instance", instanceID, "sender", sender, "attempt", attempt+1)
			continue
		}
		return c, err
	}
	return nil, fmt.Errorf("conversation: %s/%s: still conflicting after %d attempts", instanceID, sender, maxSettleAttempts)
}

func (s *Service) settle(ctx context.Context, instanceID, sender string) (*store.Conversation, error) {
	now := s.now()

	cur, err := s.store.GetCurrent(ctx, instanceID, sender)
	switch {
	case err == nil:
		idleFor := now.Sub(cur.LastActivity)
		if cur.Status == protocol.ConversationEscalated || idleFor <= s.idle {
			if err := s.store.Touch(ctx, cur.ID, now); err != nil {
				return nil, fmt.Errorf("conversation: touch: %w", err)
			}
			cur.LastActivity = now
			return cur, nil
		}
		note := transitionNote(TransitionExpired, now)
		note[NoteExpiredReason] = fmt.Sprintf("idle for %s", idleFor.Round(time.Minute))
		if err := s.store.UpdateStatus(ctx, cur.ID, protocol.ConversationExpired, now, note); err != nil {
			return nil, fmt.Errorf("conversation: expire: %w", err)
		}
		slog.Info("conversation.expired", "instance", instanceID, "sender", sender, "id", cur.ID, "idle", idleFor.Round(time.Minute))
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("conversation: lookup current: %w", err)
	}

	latest, err := s.store.GetLatest(ctx, instanceID, sender)
	switch {
	case err == nil:
		if err := s.store.UpdateStatus(ctx, latest.ID, protocol.ConversationActive, now, transitionNote(TransitionReactivated, now)); err != nil {
			return nil, fmt.Errorf("conversation: reactivate: %w", err)
		}
		latest.Status = protocol.ConversationActive
		latest.LastActivity = now
		slog.Info("conversation.reactivated", "instance", instanceID, "sender", sender, "id", latest.ID)
		return latest, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("conversation: lookup latest: %w", err)
	}

	c := &store.Conversation{
		ID:           uuid.Must(uuid.NewV7()),
		InstanceID:   instanceID,
		Sender:       sender,
		Status:       protocol.ConversationActive,
		LastActivity: now,
		Context:      transitionNote(TransitionCreated, now),
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("conversation: create: %w", err)
	}
	slog.Info("conversation.created", "instance", instanceID, "sender", sender, "id", c.ID)
	return c, nil
}

// Touch records activity on a session.
func (s *Service) Touch(ctx context.Context, id uuid.UUID) error {
	return s.store.Touch(ctx, id, s.now())
}

// MarkEscalated flips a session to escalated.
func (s *Service) MarkEscalated(ctx context.Context, id uuid.UUID, reason string) error {
	now := s.now()
	note := transitionNote(TransitionEscalated, now)
	note["escalation_reason"] = reason
	return s.store.UpdateStatus(ctx, id, protocol.ConversationEscalated, now, note)
}

// MarkActive flips the pair's escalated session back to active after an
// operator resolves the escalation. A pair without an escalated session is a no-op.
func (s *Service) MarkActive(ctx context.Context, instanceID, sender string) error {
	unlock := s.locks.lock(instanceID + ":" + sender)
	defer unlock()

	cur, err := s.store.GetCurrent(ctx, instanceID, sender)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != protocol.ConversationEscalated {
		return nil
	}
	now := s.now()
	return s.store.UpdateStatus(ctx, cur.ID, protocol.ConversationActive, now, transitionNote(TransitionResolved, now))
}

// ExpireIdle expires every active session idle longer than the timeout.
// Escalated sessions are left alone.
func (s *Service) ExpireIdle(ctx context.Context) (int64, error) {
	now := s.now()
	note := transitionNote(TransitionExpired, now)
	note[NoteExpiredReason] = "idle sweep"
	return s.store.ExpireIdle(ctx, now.Add(-s.idle), note)
}

// AppendMessage adds an entry to the session's message log.
func (s *Service) AppendMessage(ctx context.Context, c *store.Conversation, role, content string) error {
	return s.store.AppendMessage(ctx, &store.ConversationMessage{
		ConversationID: c.ID,
		InstanceID:     c.InstanceID,
		Sender:         c.Sender,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	})
}

// History returns up to limit prior turns, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit int) ([]store.ConversationMessage, error) {
	return s.store.RecentMessages(ctx, id, limit)
}

// RecentOutbound returns assistant messages sent to the pair since the given time, newest first.
func (s *Service) RecentOutbound(ctx context.Context, instanceID, sender string, since time.Time) ([]store.ConversationMessage, error) {
	return s.store.RecentByRole(ctx, instanceID, sender, store.RoleAssistant, since)
}

func transitionNote(transition string, at time.Time) map[string]any {
	return map[string]any{
		NoteTransition:   transition,
		NoteTransitionAt: at.UTC().Format(time.RFC3339),
	}
}
