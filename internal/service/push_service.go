package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
	"plantchat/internal/retry"
	"plantchat/internal/security"
)

// maxConcurrentPushes bounds the per-user fan-out.
const maxConcurrentPushes = 8

// PushSender delivers one payload to one endpoint. It returns an error
// wrapping domain.ErrDeliveryGone when the endpoint no longer exists.
type PushSender interface {
	Send(ctx context.Context, sub *domain.PushSubscription, payload []byte) error
}

// PushPayload is the JSON document the service worker receives.
type PushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	URL            string `json:"url"`
	Tag            string `json:"tag,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

type SubscriptionInput struct {
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	UserAgent string `json:"user_agent,omitempty"`
}

// DeliveryReport summarizes one fan-out.
type DeliveryReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

type PushService struct {
	subs      domain.PushSubscriptionRepository
	sender    PushSender
	encryptor *security.Encryptor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPushService wires push delivery. sender may be nil when no VAPID keys are
// configured; registrations are still stored and Deliver does nothing.
func NewPushService(
	subs domain.PushSubscriptionRepository,
	sender PushSender,
	encryptor *security.Encryptor,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PushService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushService{
		subs:      subs,
		sender:    sender,
		encryptor: encryptor,
		metrics:   m,
		logger:    logger.With("component", "push"),
	}
}

// Enabled reports whether a sender is configured.
func (s *PushService) Enabled() bool { return s.sender != nil }

// Register stores the endpoint for p. Registering the same endpoint again
// refreshes its keys instead of adding a row.
func (s *PushService) Register(ctx context.Context, p domain.Principal, in SubscriptionInput) (*domain.PushSubscription, error) {
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if !strings.HasPrefix(in.Endpoint, "https://") {
		return nil, &domain.ValidationError{Field: "endpoint", Reason: "must be an https URL"}
	}
	if in.P256dh == "" || in.Auth == "" {
		return nil, &domain.ValidationError{Field: "keys", Reason: "p256dh and auth are required"}
	}

	p256dh, err := s.encryptor.Encrypt(in.P256dh)
	if err != nil {
		return nil, fmt.Errorf("encrypt key material: %w", err)
	}
	auth, err := s.encryptor.Encrypt(in.Auth)
	if err != nil {
		return nil, fmt.Errorf("encrypt key material: %w", err)
	}

	sub := &domain.PushSubscription{
		UserID:    p.UserID,
		Endpoint:  in.Endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		UserAgent: in.UserAgent,
	}
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return sub, nil
}

func (s *PushService) Unregister(ctx context.Context, p domain.Principal, endpoint string) error {
	if endpoint == "" {
		return &domain.ValidationError{Field: "endpoint", Reason: "is required"}
	}
	return s.subs.DeleteByEndpoint(ctx, p.UserID, endpoint)
}

// Deliver sends payload to every endpoint of userID concurrently. An endpoint
// reported gone is deleted; no endpoint's failure stops the others.
func (s *PushService) Deliver(ctx context.Context, userID string, payload PushPayload) (DeliveryReport, error) {
	var report DeliveryReport
	if s.sender == nil {
		return report, nil
	}
	subs, err := retry.Read(ctx, "push subscriptions", func(ctx context.Context) ([]*domain.PushSubscription, error) {
		return s.subs.ListForUser(ctx, userID)
	})
	if err != nil {
		return report, err
	}
	if len(subs) == 0 {
		return report, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("encode payload: %w", err)
	}

	var mu sync.Mutex
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case "delivered":
			report.Delivered++
		case "gone":
			report.Removed++
		default:
			report.Failed++
		}
		s.metrics.PushDelivery(outcome)
	}

	report.Attempted = len(subs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPushes)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			record(s.deliverOne(gctx, sub, body))
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (s *PushService) deliverOne(ctx context.Context, sub *domain.PushSubscription, body []byte) string {
	plain, err := s.decrypt(sub)
	if err != nil {
		s.logger.Warn("unreadable push keys", "subscription", sub.ID, "error", err)
		return "failed"
	}
	err = s.sender.Send(ctx, plain, body)
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, domain.ErrDeliveryGone):
		if derr := s.subs.Delete(ctx, sub.ID); derr != nil {
			s.logger.Warn("could not remove gone subscription", "subscription", sub.ID, "error", derr)
			return "failed"
		}
		s.logger.Info("removed gone push subscription", "subscription", sub.ID, "user", sub.UserID)
		return "gone"
	default:
		s.logger.Warn("push delivery failed", "subscription", sub.ID, "error", err)
		return "failed"
	}
}

func (s *PushService) decrypt(sub *domain.PushSubscription) (*domain.PushSubscription, error) {
	out := *sub
	var err error
	if out.P256dh, err = s.encryptor.Decrypt(sub.P256dh); err != nil {
		return nil, err
	}
	if out.Auth, err = s.encryptor.Decrypt(sub.Auth); err != nil {
		return nil, err
	}
	return &out, nil
}
