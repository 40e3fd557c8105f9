package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
	"plantchat/internal/security"
	"plantchat/internal/service"
)

func newEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	enc, err := security.NewEncryptor([]byte("test-at-rest-key"), nil)
	require.NoError(t, err)
	return enc
}

func sealedSub(t *testing.T, enc *security.Encryptor, id, endpoint string) *domain.PushSubscription {
	t.Helper()
	p256dh, err := enc.Encrypt("p256dh-" + id)
	require.NoError(t, err)
	auth, err := enc.Encrypt("auth-" + id)
	require.NoError(t, err)
	return &domain.PushSubscription{ID: id, UserID: bea.UserID, Endpoint: endpoint, P256dh: p256dh, Auth: auth}
}

func TestRegisterEncryptsKeyMaterial(t *testing.T) {
	enc := newEncryptor(t)
	repo := new(MockPushSubscriptionRepo)
	svc := service.NewPushService(repo, nil, enc, nil, nil)

	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(s *domain.PushSubscription) bool {
		plain, err := enc.Decrypt(s.P256dh)
		return err == nil && plain == "BNc-key" && s.P256dh != "BNc-key" && s.UserID == bea.UserID
	})).Return(nil)

	_, err := svc.Register(context.Background(), bea, service.SubscriptionInput{
		Endpoint: "https://push.example/abc", P256dh: "BNc-key", Auth: "auth-secret",
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)

	_, err = svc.Register(context.Background(), bea, service.SubscriptionInput{Endpoint: "http://insecure", P256dh: "k", Auth: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDeliverRemovesGoneEndpointAndReachesOthers(t *testing.T) {
	enc := newEncryptor(t)
	repo := new(MockPushSubscriptionRepo)
	sender := new(MockPushSender)
	svc := service.NewPushService(repo, sender, enc, nil, nil)

	expired := sealedSub(t, enc, "s-expired", "https://push.example/expired")
	phone := sealedSub(t, enc, "s-phone", "https://push.example/phone")
	repo.On("ListForUser", mock.Anything, bea.UserID).Return([]*domain.PushSubscription{expired, phone}, nil)
	repo.On("Delete", mock.Anything, "s-expired").Return(nil)

	sender.On("Send", mock.Anything, mock.MatchedBy(func(s *domain.PushSubscription) bool {
		return s.ID == "s-expired"
	}), mock.Anything).Return(fmt.Errorf("status 410: %w", domain.ErrDeliveryGone))
	sender.On("Send", mock.Anything, mock.MatchedBy(func(s *domain.PushSubscription) bool {
		return s.ID == "s-phone" && s.P256dh == "p256dh-s-phone" && s.Auth == "auth-s-phone"
	}), mock.MatchedBy(func(body []byte) bool {
		var p service.PushPayload
		return json.Unmarshal(body, &p) == nil && p.Title == "Ana" && p.Body == "Hola"
	})).Return(nil)

	report, err := svc.Deliver(context.Background(), bea.UserID, service.PushPayload{Title: "Ana", Body: "Hola", URL: "/messages/c1"})
	require.NoError(t, err)
	assert.Equal(t, service.DeliveryReport{Attempted: 2, Delivered: 1, Removed: 1}, report)
	repo.AssertCalled(t, "Delete", mock.Anything, "s-expired")
	repo.AssertNotCalled(t, "Delete", mock.Anything, "s-phone")
}

func TestDeliverTransientFailureKeepsSubscription(t *testing.T) {
	enc := newEncryptor(t)
	repo := new(MockPushSubscriptionRepo)
	sender := new(MockPushSender)
	svc := service.NewPushService(repo, sender, enc, nil, nil)

	repo.On("ListForUser", mock.Anything, bea.UserID).Return([]*domain.PushSubscription{sealedSub(t, enc, "s1", "https://push.example/1")}, nil)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("503 from push service"))

	report, err := svc.Deliver(context.Background(), bea.UserID, service.PushPayload{Title: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDeliverWithoutSenderIsNoop(t *testing.T) {
	repo := new(MockPushSubscriptionRepo)
	svc := service.NewPushService(repo, nil, newEncryptor(t), nil, nil)

	report, err := svc.Deliver(context.Background(), bea.UserID, service.PushPayload{Title: "Ana"})
	require.NoError(t, err)
	assert.Zero(t, report)
	assert.False(t, svc.Enabled())
	repo.AssertNotCalled(t, "ListForUser", mock.Anything, mock.Anything)
}
