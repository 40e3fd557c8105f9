package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"plantchat/internal/domain"
	"plantchat/internal/retry"
)

const (
	// SubjectPrefix is the root of every change subject.
	SubjectPrefix = "plantchat.changes"
	originHeader  = "Plantchat-Origin"
)

// ConnectNATS dials the server, retrying with backoff until ctx is done.
func ConnectNATS(ctx context.Context, url, name string, logger *slog.Logger) (*nats.Conn, error) {
	var nc *nats.Conn
	op := func() error {
		c, err := nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return err
		}
		nc = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("nats connect failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, retry.Forever(ctx, 10*time.Second), notify); err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSBridge forwards locally published changes to NATS and delivers changes
// published by other instances into the local Bus.
type NATSBridge struct {
	nc     *nats.Conn
	bus    *Bus
	origin string
	logger *slog.Logger
	subs   []*nats.Subscription
}

var _ domain.ChangePublisher = (*NATSBridge)(nil)

func NewNATSBridge(nc *nats.Conn, bus *Bus, logger *slog.Logger) *NATSBridge {
	return &NATSBridge{
		nc:     nc,
		bus:    bus,
		origin: uuid.NewString(),
		logger: logger.With("component", "nats-bridge"),
	}
}

func subject(c domain.Collection) string {
	return SubjectPrefix + "." + string(c)
}

// Start subscribes to remote changes and registers the bridge as a forwarder.
func (br *NATSBridge) Start() error {
	convSub, err := br.nc.Subscribe(subject(domain.CollectionConversations), func(m *nats.Msg) {
		if m.Header.Get(originHeader) == br.origin {
			return
		}
		var ev domain.ConversationEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			br.logger.Warn("drop malformed conversation change", "error", err)
			return
		}
		br.bus.DeliverConversation(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	msgSub, err := br.nc.Subscribe(subject(domain.CollectionMessages), func(m *nats.Msg) {
		if m.Header.Get(originHeader) == br.origin {
			return
		}
		var ev domain.MessageEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			br.logger.Warn("drop malformed message change", "error", err)
			return
		}
		br.bus.DeliverMessage(ev)
	})
	if err != nil {
		_ = convSub.Unsubscribe()
		return fmt.Errorf("subscribe messages: %w", err)
	}
	br.subs = []*nats.Subscription{convSub, msgSub}
	br.bus.AddForwarder(br)
	return nil
}

func (br *NATSBridge) PublishConversation(ev domain.ConversationEvent) {
	br.publish(domain.CollectionConversations, ev)
}

func (br *NATSBridge) PublishMessage(ev domain.MessageEvent) {
	br.publish(domain.CollectionMessages, ev)
}

func (br *NATSBridge) publish(c domain.Collection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		br.logger.Error("marshal change", "collection", c, "error", err)
		return
	}
	msg := nats.NewMsg(subject(c))
	msg.Header.Set(originHeader, br.origin)
	msg.Data = data
	if err := br.nc.PublishMsg(msg); err != nil {
		br.logger.Warn("publish change", "collection", c, "error", err)
	}
}

// Stop unsubscribes and drains the connection.
func (br *NATSBridge) Stop() error {
	for _, s := range br.subs {
		_ = s.Unsubscribe()
	}
	br.subs = nil
	return br.nc.Drain()
}
