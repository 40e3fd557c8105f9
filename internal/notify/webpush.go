package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"plantchat/internal/domain"
	"plantchat/internal/service"
)

// VAPIDKeys is a VAPID key pair in the base64url form browsers expect.
type VAPIDKeys struct {
	Public  string
	Private string
}

// GenerateVAPIDKeys creates a fresh key pair.
func GenerateVAPIDKeys() (VAPIDKeys, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, err
	}
	return VAPIDKeys{Public: public, Private: private}, nil
}

// WebPushSender delivers encrypted payloads through the Web Push protocol.
type WebPushSender struct {
	keys    VAPIDKeys
	subject string
	ttl     time.Duration
	client  *http.Client
}

var _ service.PushSender = (*WebPushSender)(nil)

func NewWebPushSender(keys VAPIDKeys, subject string, ttl time.Duration, client *http.Client) *WebPushSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebPushSender{
		keys:    keys,
		subject: strings.TrimPrefix(subject, "mailto:"),
		ttl:     ttl,
		client:  client,
	}
}

// Send pushes payload to sub. 404 and 410 mean the endpoint is gone for good.
func (s *WebPushSender) Send(ctx context.Context, sub *domain.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.keys.Public,
		VAPIDPrivateKey: s.keys.Private,
		TTL:             int(s.ttl.Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrDeliveryGone)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("web push: unexpected status %d", resp.StatusCode)
	}
}
