package domain

import (
	"strings"
	"time"
)

// Principal is the signed-in identity every session operation runs as.
type Principal struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Profile is the display identity of a marketplace user. Read-only here.
type Profile struct {
	UserID      string  `db:"user_id" json:"user_id"`
	DisplayName string  `db:"display_name" json:"display_name"`
	AvatarURL   *string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// Listing is the plant listing a conversation may be scoped to. Read-only here.
type Listing struct {
	ID       string  `db:"id" json:"id"`
	Title    string  `db:"title" json:"title"`
	ImageURL *string `db:"image_url" json:"image_url,omitempty"`
}

// Conversation is a durable thread between exactly two participants.
// ParticipantA < ParticipantB always holds for stored rows.
type Conversation struct {
	ID             string    `db:"id" json:"id"`
	ParticipantA   string    `db:"participant_a" json:"participant_a"`
	ParticipantB   string    `db:"participant_b" json:"participant_b"`
	ListingID      *string   `db:"listing_id" json:"listing_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
}

// NormalizePair orders two participant ids so that the unordered pair has a
// single stored representation.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Participants returns both participant ids.
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// ListingKey is the uniqueness component for the optional listing reference.
func ListingKey(listingID *string) string {
	if listingID == nil {
		return ""
	}
	return *listingID
}

// Message is a single chat message. State only moves forward.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	Content        string        `db:"content" json:"content"`
	ImageURL       *string       `db:"image_url" json:"image_url,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	State          DeliveryState `db:"state" json:"state"`
	DeliveredAt    *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt         *time.Time    `db:"read_at" json:"read_at,omitempty"`
}

// Validate checks the content-or-image rule and identity fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if m.ConversationID == "" {
		return &ValidationError{Field: "conversation_id", Reason: "is required"}
	}
	if m.SenderID == "" {
		return &ValidationError{Field: "sender_id", Reason: "is required"}
	}
	if strings.TrimSpace(m.Content) == "" && (m.ImageURL == nil || *m.ImageURL == "") {
		return &ValidationError{Field: "content", Reason: "message needs text or an image"}
	}
	if !m.State.Valid() {
		return &ValidationError{Field: "state", Reason: "unknown delivery state " + string(m.State)}
	}
	return nil
}

// Before reports whether m sorts before o in a conversation: store timestamp
// first, id as the tie breaker.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ConversationAggregate is one row of the "conversations with last message and
// unread count" query.
type ConversationAggregate struct {
	Conversation Conversation
	LastMessage  *Message
	UnreadCount  int
}

// ConversationSummary is what the conversation list renders.
type ConversationSummary struct {
	ConversationID   string    `json:"conversation_id"`
	OtherParticipant Profile   `json:"other_participant"`
	Listing          *Listing  `json:"listing,omitempty"`
	Preview          string    `json:"preview"`
	LastMessage      *Message  `json:"last_message,omitempty"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	UnreadCount      int       `json:"unread_count"`
}

// PushSubscription is a registered push endpoint for one device.
type PushSubscription struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Endpoint  string    `db:"endpoint" json:"endpoint"`
	P256dh    string    `db:"p256dh" json:"-"`
	Auth      string    `db:"auth" json:"-"`
	UserAgent string    `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
