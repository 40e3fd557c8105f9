package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NotifyChannel is the LISTEN/NOTIFY channel row triggers report on.
const NotifyChannel = "plantchat_changes"

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the messaging schema, including
// the triggers that feed the change listener.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Profiles and listings belong to the marketplace; only read here.
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id       TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			avatar_url    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			image_url  TEXT
		)`,

		// Conversations
		`CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT        PRIMARY KEY,
			participant_a     TEXT        NOT NULL,
			participant_b     TEXT        NOT NULL,
			listing_id        TEXT,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			last_activity_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			CHECK (participant_a < participant_b)
		)`,

		// Messages
		`CREATE TABLE IF NOT EXISTS messages (
			id               TEXT        PRIMARY KEY,
			conversation_id  TEXT        NOT NULL REFERENCES conversations(id),
			sender_id        TEXT        NOT NULL,
			content          TEXT        NOT NULL DEFAULT '',
			image_url        TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			state            TEXT        NOT NULL DEFAULT 'sent' CHECK (state IN ('sent', 'delivered', 'read')),
			delivered_at     TIMESTAMPTZ,
			read_at          TIMESTAMPTZ,
			CHECK (content <> '' OR image_url IS NOT NULL)
		)`,

		// Push subscriptions
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			id          TEXT        PRIMARY KEY,
			user_id     TEXT        NOT NULL,
			endpoint    TEXT        NOT NULL,
			p256dh      TEXT        NOT NULL,
			auth        TEXT        NOT NULL,
			user_agent  TEXT        NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			UNIQUE (user_id, endpoint)
		)`,

		// Indexes
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_pair_listing
			ON conversations (participant_a, participant_b, (COALESCE(listing_id, '')))`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations(participant_b)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_activity ON conversations(last_activity_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_id) WHERE read_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id)`,

		// Change notifications carry only the row identity; the listener
		// re-reads the row so payloads stay far below the NOTIFY limit.
		`CREATE OR REPLACE FUNCTION plantchat_notify_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
				'table', TG_TABLE_NAME,
				'op', lower(TG_OP),
				'id', NEW.id
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS conversations_notify_change ON conversations`,
		`CREATE TRIGGER conversations_notify_change
			AFTER INSERT OR UPDATE ON conversations
			FOR EACH ROW EXECUTE FUNCTION plantchat_notify_change()`,
		`DROP TRIGGER IF EXISTS messages_notify_change ON messages`,
		`CREATE TRIGGER messages_notify_change
			AFTER INSERT OR UPDATE ON messages
			FOR EACH ROW EXECUTE FUNCTION plantchat_notify_change()`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
