package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plantchat/internal/domain"
)

const conversationColumns = `id, participant_a, participant_b, listing_id, created_at, last_activity_at`

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ParticipantA, c.ParticipantB = domain.NormalizePair(c.ParticipantA, c.ParticipantB)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, listing_id, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, clock_timestamp(), clock_timestamp())
		RETURNING created_at, last_activity_at
	`, c.ID, c.ParticipantA, c.ParticipantB, nullString(c.ListingID)).Scan(&c.CreatedAt, &c.LastActivityAt)
	if pgCode(err) == codeUniqueViolation {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) FindByParticipants(ctx context.Context, a, b string, listingID *string) (*domain.Conversation, error) {
	a, b = domain.NormalizePair(a, b)
	c, err := scanConversation(r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2 AND COALESCE(listing_id, '') = $3
	`, a, b, domain.ListingKey(listingID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

// ListForUser runs the aggregate in one round trip: last message through a
// lateral join, unread count through a correlated count.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.ConversationAggregate, error) {
	query := `
		SELECT c.id, c.participant_a, c.participant_b, c.listing_id, c.created_at, c.last_activity_at,
			lm.id, lm.sender_id, lm.content, lm.image_url, lm.created_at, lm.state, lm.delivered_at, lm.read_at,
			(SELECT COUNT(*) FROM messages u
				WHERE u.conversation_id = c.id AND u.sender_id <> $1 AND u.read_at IS NULL) AS unread
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT m.id, m.sender_id, m.content, m.image_url, m.created_at, m.state, m.delivered_at, m.read_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_activity_at DESC, c.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationAggregate
	for rows.Next() {
		var (
			agg                    domain.ConversationAggregate
			listingID              sql.NullString
			mID, mSender, mContent sql.NullString
			mImage, mState         sql.NullString
			mCreated               sql.NullTime
			mDelivered, mRead      sql.NullTime
		)
		if err := rows.Scan(
			&agg.Conversation.ID,
			&agg.Conversation.ParticipantA,
			&agg.Conversation.ParticipantB,
			&listingID,
			&agg.Conversation.CreatedAt,
			&agg.Conversation.LastActivityAt,
			&mID, &mSender, &mContent, &mImage, &mCreated, &mState, &mDelivered, &mRead,
			&agg.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		agg.Conversation.ListingID = stringPtr(listingID)
		if mID.Valid {
			agg.LastMessage = &domain.Message{
				ID:             mID.String,
				ConversationID: agg.Conversation.ID,
				SenderID:       mSender.String,
				Content:        mContent.String,
				ImageURL:       stringPtr(mImage),
				CreatedAt:      mCreated.Time,
				State:          domain.DeliveryState(mState.String),
				DeliveredAt:    timePtr(mDelivered),
				ReadAt:         timePtr(mRead),
			}
		}
		res = append(res, &agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return res, nil
}

// Touch moves last activity forward to at. It never moves it back.
func (r *ConversationRepo) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = $2
		WHERE id = $1 AND last_activity_at < $2
	`, id, at); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c         domain.Conversation
		listingID sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &listingID, &c.CreatedAt, &c.LastActivityAt); err != nil {
		return nil, err
	}
	c.ListingID = stringPtr(listingID)
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
