package sqlite

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
	db    *sql.DB
	pub   domain.ChangePublisher
	convs *ConversationRepo
}

func NewMessageRepo(db *sql.DB, pub domain.ChangePublisher) *MessageRepo {
	return &MessageRepo{db: db, pub: pub, convs: NewConversationRepo(db, nil)}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	conv, err := r.convs.GetByID(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	now := storeClock.next()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, image_url, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.SenderID, m.Content, nullString(m.ImageURL), toNanos(now), domain.StateSent)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.CreatedAt = now
	m.State = domain.StateSent
	m.DeliveredAt = nil
	m.ReadAt = nil

	r.publish(domain.OpInsert, conv, m)
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
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
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
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
		SET state = 'read', read_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE conversation_id = ? AND sender_id <> ? AND read_at IS NULL
		RETURNING `+messageColumns,
		toNanos(at), toNanos(at), conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	changed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	r.publishUpdates(ctx, conversationID, changed)
	return changed, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET state = 'delivered', delivered_at = ?
		WHERE conversation_id = ? AND sender_id <> ? AND state = 'sent'
		RETURNING `+messageColumns,
		toNanos(at), conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	changed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	r.publishUpdates(ctx, conversationID, changed)
	return changed, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND read_at IS NULL
	`, conversationID, viewerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) publishUpdates(ctx context.Context, conversationID string, changed []*domain.Message) {
	if r.pub == nil || len(changed) == 0 {
		return
	}
	conv, err := r.convs.GetByID(ctx, conversationID)
	if err != nil {
		return
	}
	for _, m := range changed {
		r.publish(domain.OpUpdate, conv, m)
	}
}

func (r *MessageRepo) publish(op domain.Op, conv *domain.Conversation, m *domain.Message) {
	if r.pub == nil {
		return
	}
	r.pub.PublishMessage(domain.MessageEvent{Op: op, Message: *m, Participants: conv.Participants()})
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
		created         int64
		delivered, read sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &image, &created, &m.State, &delivered, &read); err != nil {
		return nil, err
	}
	m.ImageURL = stringPtr(image)
	m.CreatedAt = fromNanos(created)
	m.DeliveredAt = timePtr(delivered)
	m.ReadAt = timePtr(read)
	return &m, nil
}
