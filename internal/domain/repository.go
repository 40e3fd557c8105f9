package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	// Create inserts c, filling CreatedAt/LastActivityAt. Returns ErrConflict
	// when a conversation for the same pair and listing already exists.
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindByParticipants(ctx context.Context, a, b string, listingID *string) (*Conversation, error)
	// ListForUser is the aggregate query: every conversation of userID with
	// its last message and the user's unread count.
	ListForUser(ctx context.Context, userID string) ([]*ConversationAggregate, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Create inserts m. The store assigns CreatedAt and the initial state.
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	ListForConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// MarkRead moves every message in the conversation not sent by viewerID
	// and not yet read to read, returning only the rows that transitioned.
	MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*Message, error)
	// MarkDelivered moves sent messages not sent by viewerID to delivered.
	MarkDelivered(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*Message, error)
	CountUnread(ctx context.Context, conversationID, viewerID string) (int, error)
}

// PushSubscriptionRepository stores push endpoints, unique per (user, endpoint).
type PushSubscriptionRepository interface {
	Upsert(ctx context.Context, s *PushSubscription) error
	ListForUser(ctx context.Context, userID string) ([]*PushSubscription, error)
	Delete(ctx context.Context, id string) error
	DeleteByEndpoint(ctx context.Context, userID, endpoint string) error
}

// ProfileRepository is the read-only join to user profiles.
type ProfileRepository interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*Profile, error)
}

// ListingRepository is the read-only join to listing summaries.
type ListingRepository interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*Listing, error)
}
