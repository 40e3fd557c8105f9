package service_test

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"plantchat/internal/domain"
)

type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) FindByParticipants(ctx context.Context, a, b string, listingID *string) (*domain.Conversation, error) {
	args := m.Called(ctx, a, b, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.ConversationAggregate, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversationAggregate), args.Error(1)
}

func (m *MockConversationRepo) Touch(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, viewerID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) MarkDelivered(ctx context.Context, conversationID, viewerID string, at time.Time) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, viewerID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	args := m.Called(ctx, conversationID, viewerID)
	return args.Int(0), args.Error(1)
}

type MockProfileRepo struct {
	mock.Mock
}

func (m *MockProfileRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.Profile), args.Error(1)
}

type MockListingRepo struct {
	mock.Mock
}

func (m *MockListingRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Listing, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.Listing), args.Error(1)
}

type MockPushSubscriptionRepo struct {
	mock.Mock
}

func (m *MockPushSubscriptionRepo) Upsert(ctx context.Context, s *domain.PushSubscription) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockPushSubscriptionRepo) ListForUser(ctx context.Context, userID string) ([]*domain.PushSubscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PushSubscription), args.Error(1)
}

func (m *MockPushSubscriptionRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPushSubscriptionRepo) DeleteByEndpoint(ctx context.Context, userID, endpoint string) error {
	args := m.Called(ctx, userID, endpoint)
	return args.Error(0)
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	args := m.Called(ctx, path, r)
	return args.String(0), args.Error(1)
}

type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) Send(ctx context.Context, sub *domain.PushSubscription, payload []byte) error {
	args := m.Called(ctx, sub, payload)
	return args.Error(0)
}
