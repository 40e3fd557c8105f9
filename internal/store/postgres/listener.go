package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"plantchat/internal/domain"
	"plantchat/internal/retry"
)

// change is the payload plantchat_notify_change() sends.
type change struct {
	Table string    `json:"table"`
	Op    domain.Op `json:"op"`
	ID    string    `json:"id"`
}

// Listener turns row-change notifications into change-feed events. It holds
// one dedicated connection and reconnects with backoff when it drops.
type Listener struct {
	dsn    string
	convs  domain.ConversationRepository
	msgs   domain.MessageRepository
	pub    domain.ChangePublisher
	logger *slog.Logger
}

func NewListener(dsn string, convs domain.ConversationRepository, msgs domain.MessageRepository, pub domain.ChangePublisher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dsn:    dsn,
		convs:  convs,
		msgs:   msgs,
		pub:    pub,
		logger: logger.With("component", "pg-listener"),
	}
}

// Run listens until ctx is cancelled. Connection errors are logged and
// retried; Run only returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	err := backoff.RetryNotify(func() error {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, retry.Forever(ctx, 30*time.Second), func(err error, wait time.Duration) {
		l.logger.Warn("listener disconnected", "error", err, "retry_in", wait)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info("listening for changes", "channel", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.Handle(ctx, n.Payload)
	}
}

// Handle decodes one notification payload, re-reads the row and publishes it.
// Failures are logged; a missed event is recovered by the next refresh.
func (l *Listener) Handle(ctx context.Context, payload string) {
	var ch change
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		l.logger.Warn("bad change payload", "payload", payload, "error", err)
		return
	}
	if ch.Op != domain.OpInsert && ch.Op != domain.OpUpdate {
		return
	}

	switch domain.Collection(ch.Table) {
	case domain.CollectionConversations:
		c, err := l.convs.GetByID(ctx, ch.ID)
		if err != nil {
			l.logFetch(ch, err)
			return
		}
		l.pub.PublishConversation(domain.ConversationEvent{Op: ch.Op, Conversation: *c})

	case domain.CollectionMessages:
		m, err := l.msgs.GetByID(ctx, ch.ID)
		if err != nil {
			l.logFetch(ch, err)
			return
		}
		c, err := l.convs.GetByID(ctx, m.ConversationID)
		if err != nil {
			l.logFetch(ch, err)
			return
		}
		l.pub.PublishMessage(domain.MessageEvent{Op: ch.Op, Message: *m, Participants: c.Participants()})

	default:
		l.logger.Debug("ignoring change", "table", ch.Table)
	}
}

func (l *Listener) logFetch(ch change, err error) {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrNotFound) {
		level = slog.LevelDebug
	}
	l.logger.Log(context.Background(), level, "reload changed row", "table", ch.Table, "id", ch.ID, "error", err)
}
