package sqlite

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
	db  *sql.DB
	pub domain.ChangePublisher
}

// NewConversationRepo returns a repository that reports committed writes to
// pub. pub may be nil.
func NewConversationRepo(db *sql.DB, pub domain.ChangePublisher) *ConversationRepo {
	return &ConversationRepo{db: db, pub: pub}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ParticipantA, c.ParticipantB = domain.NormalizePair(c.ParticipantA, c.ParticipantB)
	now := storeClock.next()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, listing_id, listing_key, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ParticipantA, c.ParticipantB, nullString(c.ListingID), domain.ListingKey(c.ListingID), toNanos(now), toNanos(now))
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.CreatedAt = now
	c.LastActivityAt = now

	if r.pub != nil {
		r.pub.PublishConversation(domain.ConversationEvent{Op: domain.OpInsert, Conversation: *c})
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
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
		WHERE participant_a = ? AND participant_b = ? AND listing_key = ?
	`, a, b, domain.ListingKey(listingID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.ConversationAggregate, error) {
	query := `
		SELECT c.id, c.participant_a, c.participant_b, c.listing_id, c.created_at, c.last_activity_at,
			m.id, m.sender_id, m.content, m.image_url, m.created_at, m.state, m.delivered_at, m.read_at,
			(SELECT COUNT(*) FROM messages u
				WHERE u.conversation_id = c.id AND u.sender_id <> ? AND u.read_at IS NULL) AS unread
		FROM conversations c
		LEFT JOIN messages m ON m.id = (
			SELECT x.id FROM messages x
			WHERE x.conversation_id = c.id
			ORDER BY x.created_at DESC, x.id DESC
			LIMIT 1
		)
		WHERE c.participant_a = ? OR c.participant_b = ?
		ORDER BY c.last_activity_at DESC, c.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationAggregate
	for rows.Next() {
		var (
			agg                         domain.ConversationAggregate
			listingID                   sql.NullString
			created, lastActivity       int64
			mID, mSender, mContent      sql.NullString
			mImage, mState              sql.NullString
			mCreated, mDelivered, mRead sql.NullInt64
		)
		if err := rows.Scan(
			&agg.Conversation.ID,
			&agg.Conversation.ParticipantA,
			&agg.Conversation.ParticipantB,
			&listingID,
			&created,
			&lastActivity,
			&mID, &mSender, &mContent, &mImage, &mCreated, &mState, &mDelivered, &mRead,
			&agg.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		agg.Conversation.ListingID = stringPtr(listingID)
		agg.Conversation.CreatedAt = fromNanos(created)
		agg.Conversation.LastActivityAt = fromNanos(lastActivity)
		if mID.Valid {
			agg.LastMessage = &domain.Message{
				ID:             mID.String,
				ConversationID: agg.Conversation.ID,
				SenderID:       mSender.String,
				Content:        mContent.String,
				ImageURL:       stringPtr(mImage),
				CreatedAt:      fromNanos(mCreated.Int64),
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
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = ?
		WHERE id = ? AND last_activity_at < ?
	`, toNanos(at), id, toNanos(at))
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 || r.pub == nil {
		return nil
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}
	r.pub.PublishConversation(domain.ConversationEvent{Op: domain.OpUpdate, Conversation: *c})
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c                     domain.Conversation
		listingID             sql.NullString
		created, lastActivity int64
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &listingID, &created, &lastActivity); err != nil {
		return nil, err
	}
	c.ListingID = stringPtr(listingID)
	c.CreatedAt = fromNanos(created)
	c.LastActivityAt = fromNanos(lastActivity)
	return &c, nil
}
