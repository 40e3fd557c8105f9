package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
	"plantchat/internal/service"
)

var (
	ana = domain.Principal{UserID: "ana", DisplayName: "Ana"}
	bea = domain.Principal{UserID: "bea", DisplayName: "Bea"}
)

type MockPrompter struct {
	mock.Mock
}

func (m *MockPrompter) Prompt(ctx context.Context) (domain.PermissionState, *service.SubscriptionInput, error) {
	args := m.Called(ctx)
	var sub *service.SubscriptionInput
	if v := args.Get(1); v != nil {
		sub = v.(*service.SubscriptionInput)
	}
	return args.Get(0).(domain.PermissionState), sub, args.Error(2)
}

type MockRegistrar struct {
	mock.Mock
}

func (m *MockRegistrar) Register(ctx context.Context, p domain.Principal, in service.SubscriptionInput) (*domain.PushSubscription, error) {
	args := m.Called(ctx, p, in)
	if v := args.Get(0); v != nil {
		return v.(*domain.PushSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func incoming(content string) domain.Message {
	return domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       ana.UserID,
		Content:        content,
		State:          domain.StateSent,
	}
}

func TestRequestPermissionGrantRegistersSubscription(t *testing.T) {
	prompter := new(MockPrompter)
	registrar := new(MockRegistrar)
	d := NewDispatcher(DispatcherConfig{Principal: bea, Registrar: registrar})

	sub := &service.SubscriptionInput{Endpoint: "https://push.example/bea", P256dh: "k", Auth: "a"}
	prompter.On("Prompt", mock.Anything).Return(domain.PermissionGranted, sub, nil).Once()
	registrar.On("Register", mock.Anything, bea, *sub).Return(&domain.PushSubscription{ID: "s1"}, nil).Once()

	granted, err := d.RequestPermission(context.Background(), prompter)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, domain.PermissionGranted, d.Permission())

	// Already granted: no second prompt.
	granted, err = d.RequestPermission(context.Background(), prompter)
	require.NoError(t, err)
	assert.True(t, granted)
	prompter.AssertNumberOfCalls(t, "Prompt", 1)
	registrar.AssertExpectations(t)
}

func TestRequestPermissionDeniedIsSticky(t *testing.T) {
	prompter := new(MockPrompter)
	d := NewDispatcher(DispatcherConfig{Principal: bea})
	prompter.On("Prompt", mock.Anything).Return(domain.PermissionDenied, nil, nil).Once()

	granted, err := d.RequestPermission(context.Background(), prompter)
	require.NoError(t, err)
	assert.False(t, granted)

	granted, err = d.RequestPermission(context.Background(), prompter)
	require.NoError(t, err)
	assert.False(t, granted)
	prompter.AssertNumberOfCalls(t, "Prompt", 1)

	assert.Equal(t, domain.PermissionDenied, d.SetPermission(domain.PermissionDefault))
	assert.Equal(t, domain.PermissionGranted, d.SetPermission(domain.PermissionGranted))
}

func TestRequestPermissionUnsupportedNeverPrompts(t *testing.T) {
	prompter := new(MockPrompter)
	d := NewDispatcher(DispatcherConfig{Principal: bea})
	d.SetPermission(domain.PermissionUnsupported)
	assert.Equal(t, domain.PermissionUnsupported, d.SetPermission(domain.PermissionGranted))

	granted, err := d.RequestPermission(context.Background(), prompter)
	require.NoError(t, err)
	assert.False(t, granted)
	prompter.AssertNotCalled(t, "Prompt", mock.Anything)
}

func TestRequestPermissionSurfacesRegistrationFailure(t *testing.T) {
	prompter := new(MockPrompter)
	registrar := new(MockRegistrar)
	d := NewDispatcher(DispatcherConfig{Principal: bea, Registrar: registrar})
	sub := &service.SubscriptionInput{Endpoint: "https://push.example/bea", P256dh: "k", Auth: "a"}
	prompter.On("Prompt", mock.Anything).Return(domain.PermissionGranted, sub, nil)
	registrar.On("Register", mock.Anything, bea, *sub).Return(nil, errors.New("db down"))

	_, err := d.RequestPermission(context.Background(), prompter)
	require.Error(t, err)
	assert.Equal(t, domain.PermissionGranted, d.Permission())
}

func TestOnMessageEventRaisesOneNotification(t *testing.T) {
	var raised []Notification
	d := NewDispatcher(DispatcherConfig{
		Principal: bea,
		Presence:  NewMemoryPresence(time.Minute),
		Sink:      func(n Notification) { raised = append(raised, n) },
	})
	d.SetPermission(domain.PermissionGranted)

	n, ok := d.OnMessageEvent(context.Background(), incoming("  Hola, interesa tu Monstera "), "Ana")
	require.True(t, ok)
	require.Len(t, raised, 1)
	assert.Equal(t, n, raised[0])
	assert.Equal(t, "Ana", n.Title)
	assert.Equal(t, "Hola, interesa tu Monstera", n.Body)
	assert.Equal(t, "/messages/c1", n.URL)

	photo, ok := d.OnMessageEvent(context.Background(), incoming(""), "Ana")
	require.True(t, ok)
	assert.Equal(t, service.PreviewPhoto, photo.Body)
}

func TestOnMessageEventSuppression(t *testing.T) {
	ctx := context.Background()

	t.Run("NotGranted", func(t *testing.T) {
		d := NewDispatcher(DispatcherConfig{Principal: bea})
		_, ok := d.OnMessageEvent(ctx, incoming("hola"), "Ana")
		assert.False(t, ok)
	})

	t.Run("OwnMessage", func(t *testing.T) {
		d := NewDispatcher(DispatcherConfig{Principal: ana})
		d.SetPermission(domain.PermissionGranted)
		_, ok := d.OnMessageEvent(ctx, incoming("hola"), "Ana")
		assert.False(t, ok)
	})

	t.Run("HiddenSessionDefersToPush", func(t *testing.T) {
		d := NewDispatcher(DispatcherConfig{Principal: bea, Visible: func() bool { return false }})
		d.SetPermission(domain.PermissionGranted)
		_, ok := d.OnMessageEvent(ctx, incoming("hola"), "Ana")
		assert.False(t, ok)
	})

	t.Run("FocusedInAnotherTab", func(t *testing.T) {
		presence := NewMemoryPresence(time.Minute)
		require.NoError(t, presence.Heartbeat(ctx, bea.UserID, "tab-2", SessionState{Visible: true, FocusedConversation: "c1"}))
		d := NewDispatcher(DispatcherConfig{Principal: bea, Presence: presence})
		d.SetPermission(domain.PermissionGranted)
		_, ok := d.OnMessageEvent(ctx, incoming("hola"), "Ana")
		assert.False(t, ok)

		// Focus elsewhere: notify.
		require.NoError(t, presence.Heartbeat(ctx, bea.UserID, "tab-2", SessionState{Visible: true, FocusedConversation: "c7"}))
		_, ok = d.OnMessageEvent(ctx, incoming("hola"), "Ana")
		assert.True(t, ok)
	})
}
