package service

import (
	"context"
	"fmt"
	"time"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
	"plantchat/internal/retry"
)

// ReadTracker is the only writer of message delivery state. Unread counts
// are always recounted from the rows, never kept incrementally.
type ReadTracker struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewReadTracker(conversations domain.ConversationRepository, messages domain.MessageRepository, m *metrics.Metrics) *ReadTracker {
	return &ReadTracker{
		conversations: conversations,
		messages:      messages,
		metrics:       m,
		now:           time.Now,
	}
}

// MarkConversationRead moves every message p did not send to read and
// returns the ones that changed. Repeating it is a no-op.
func (t *ReadTracker) MarkConversationRead(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error) {
	if _, err := participantConversation(ctx, t.conversations, p, conversationID); err != nil {
		return nil, err
	}
	changed, err := t.messages.MarkRead(ctx, conversationID, p.UserID, t.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	t.metrics.DeliveryTransitions(string(domain.StateRead), len(changed))
	return changed, nil
}

// MarkDelivered acknowledges receipt of the other participant's sent
// messages without reading them.
func (t *ReadTracker) MarkDelivered(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error) {
	if _, err := participantConversation(ctx, t.conversations, p, conversationID); err != nil {
		return nil, err
	}
	changed, err := t.messages.MarkDelivered(ctx, conversationID, p.UserID, t.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	t.metrics.DeliveryTransitions(string(domain.StateDelivered), len(changed))
	return changed, nil
}

func (t *ReadTracker) UnreadCount(ctx context.Context, p domain.Principal, conversationID string) (int, error) {
	if _, err := participantConversation(ctx, t.conversations, p, conversationID); err != nil {
		return 0, err
	}
	return retry.Read(ctx, "unread count", func(ctx context.Context) (int, error) {
		return t.messages.CountUnread(ctx, conversationID, p.UserID)
	})
}
