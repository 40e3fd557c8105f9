package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"plantchat/internal/domain"
)

type PushSubscriptionRepo struct {
	db *sql.DB
}

func NewPushSubscriptionRepo(db *sql.DB) *PushSubscriptionRepo {
	return &PushSubscriptionRepo{db: db}
}

var _ domain.PushSubscriptionRepository = (*PushSubscriptionRepo)(nil)

// Upsert inserts s or refreshes the key material of the existing row for
// (user_id, endpoint). s.ID and timestamps reflect the stored row afterwards.
func (r *PushSubscriptionRepo) Upsert(ctx context.Context, s *domain.PushSubscription) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := toNanos(storeClock.next())
	var id string
	var created, updated int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, user_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_agent = excluded.user_agent,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at
	`, s.ID, s.UserID, s.Endpoint, s.P256dh, s.Auth, s.UserAgent, now, now).Scan(&id, &created, &updated)
	if err != nil {
		return fmt.Errorf("upsert push subscription: %w", err)
	}
	s.ID = id
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	return nil
}

func (r *PushSubscriptionRepo) ListForUser(ctx context.Context, userID string) ([]*domain.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, user_agent, created_at, updated_at
		FROM push_subscriptions
		WHERE user_id = ?
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var res []*domain.PushSubscription
	for rows.Next() {
		var (
			s                domain.PushSubscription
			created, updated int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth, &s.UserAgent, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		s.CreatedAt = fromNanos(created)
		s.UpdatedAt = fromNanos(updated)
		res = append(res, &s)
	}
	return res, rows.Err()
}

func (r *PushSubscriptionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

func (r *PushSubscriptionRepo) DeleteByEndpoint(ctx context.Context, userID, endpoint string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?
	`, userID, endpoint); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}
