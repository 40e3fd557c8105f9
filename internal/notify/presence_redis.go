package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const presenceKeyPrefix = "plantchat:presence:"

// RedisPresence shares presence between instances. Each user has one hash,
// one field per session; fields carry their own expiry and the key expires
// when no session heartbeats any more.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ Presence = (*RedisPresence)(nil)

type redisPresenceValue struct {
	SessionState
	ExpiresAt int64 `json:"expires_at"`
}

// NewRedisPresence connects to addr and pings it.
func NewRedisPresence(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPresenceWithClient(client, ttl, logger), nil
}

func NewRedisPresenceWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPresence{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "presence"),
	}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func (p *RedisPresence) Heartbeat(ctx context.Context, userID, sessionID string, st SessionState) error {
	raw, err := json.Marshal(redisPresenceValue{
		SessionState: st,
		ExpiresAt:    p.now().Add(p.ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	key := presenceKey(userID)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionID, raw)
		pipe.Expire(ctx, key, 2*p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, userID, sessionID string) error {
	if err := p.client.HDel(ctx, presenceKey(userID), sessionID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsFocused(ctx context.Context, userID, conversationID string) (bool, error) {
	sessions, err := p.live(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, st := range sessions {
		if st.Visible && st.FocusedConversation == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func (p *RedisPresence) HasVisibleSession(ctx context.Context, userID string) (bool, error) {
	sessions, err := p.live(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, st := range sessions {
		if st.Visible {
			return true, nil
		}
	}
	return false, nil
}

// Close closes the underlying client.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}

func (p *RedisPresence) live(ctx context.Context, userID string) ([]SessionState, error) {
	key := presenceKey(userID)
	fields, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	now := p.now().UnixMilli()
	out := make([]SessionState, 0, len(fields))
	var expired []string
	for sessionID, raw := range fields {
		var v redisPresenceValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v.ExpiresAt < now {
			expired = append(expired, sessionID)
			continue
		}
		out = append(out, v.SessionState)
	}
	if len(expired) > 0 {
		if err := p.client.HDel(ctx, key, expired...).Err(); err != nil {
			p.logger.Warn("prune expired sessions", "user", userID, "error", err)
		}
	}
	return out, nil
}
