package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"plantchat/internal/domain"
)

const messageColumns = `id, conversation_id, sender_id, content, image_url, created_at, state, delivered_at, read_at`

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, image_url, created_at, state)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp(), 'sent')
		RETURNING created_at
	`, m.ID, m.ConversationID, m.SenderID, m.Content, nullString(m.ImageURL)).Scan(&m.CreatedAt)
	switch pgCode(err) {
	case codeUniqueViolation:
		return domain.ErrConflict
	case codeForeignKeyViolation:
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.State = domain.StateSent
	m.DeliveredAt = nil
	m.ReadAt = nil
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListForConversation returns the newest limit messages in ascending order.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// MarkRead stamps read_at once per message; delivered_at is backfilled for
// messages that skipped the delivered state.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET state = 'read', read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL
		RETURNING `+messageColumns,
		conversationID, viewerID, at)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET state = 'delivered', delivered_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND state = 'sent'
		RETURNING `+messageColumns,
		conversationID, viewerID, at)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL
	`, conversationID, viewerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Before(res[j]) })
	return res, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m               domain.Message
		image           sql.NullString
		state           string
		delivered, read sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &image, &m.CreatedAt, &state, &delivered, &read); err != nil {
		return nil, err
	}
	m.ImageURL = stringPtr(image)
	m.State = domain.DeliveryState(state)
	m.DeliveredAt = timePtr(delivered)
	m.ReadAt = timePtr(read)
	return &m, nil
}
