package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
	"plantchat/internal/service"
)

func newMessageService(convs *MockConversationRepo, msgs *MockMessageRepo, up *MockUploader) *service.MessageService {
	conversations := service.NewConversationService(convs, nil, nil, nil)
	if up == nil {
		return service.NewMessageService(conversations, convs, msgs, nil, nil, nil)
	}
	return service.NewMessageService(conversations, convs, msgs, up, nil, nil)
}

func TestSendValidation(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	svc := newMessageService(convs, msgs, nil)

	_, err := svc.Send(context.Background(), ana, service.SendInput{RecipientID: bea.UserID, Content: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Send(context.Background(), ana, service.SendInput{Content: "hola"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Send(context.Background(), ana, service.SendInput{RecipientID: bea.UserID, Content: "hola", MessageID: "not-a-uuid"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	convs.AssertNotCalled(t, "FindByParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	msgs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSendToNewRecipient(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	svc := newMessageService(convs, msgs, nil)
	listing := strPtr("monstera")
	stored := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	msgID := uuid.NewString()

	convs.On("FindByParticipants", mock.Anything, ana.UserID, bea.UserID, listing).Return(nil, nil)
	convs.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		c := args.Get(1).(*domain.Conversation)
		c.ID = "c1"
		c.LastActivityAt = stored.Add(-time.Second)
	}).Return(nil)
	msgs.On("Create", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.ID == msgID && m.ConversationID == "c1" && m.SenderID == ana.UserID && m.Content == "Hola, interesa tu Monstera"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.Message).CreatedAt = stored
	}).Return(nil)
	convs.On("Touch", mock.Anything, "c1", stored).Return(nil)

	res, err := svc.Send(context.Background(), ana, service.SendInput{
		MessageID:   msgID,
		RecipientID: bea.UserID,
		ListingID:   listing,
		Content:     " Hola, interesa tu Monstera ",
	})
	require.NoError(t, err)
	assert.Equal(t, msgID, res.Message.ID)
	assert.Equal(t, domain.StateSent, res.Message.State)
	assert.Equal(t, stored, res.Conversation.LastActivityAt)
	convs.AssertExpectations(t)
	msgs.AssertExpectations(t)
}

func TestSendUploadFailureWritesNothing(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	up := new(MockUploader)
	svc := newMessageService(convs, msgs, up)

	conv := &domain.Conversation{ID: "c1", ParticipantA: ana.UserID, ParticipantB: bea.UserID}
	convs.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	msgID := uuid.NewString()
	up.On("Upload", mock.Anything, msgID+".jpg", mock.Anything).Return("", errors.New("bucket unavailable"))

	_, err := svc.Send(context.Background(), ana, service.SendInput{
		MessageID:      msgID,
		ConversationID: "c1",
		Image:          &service.ImageUpload{Filename: "plant.jpg", Body: strings.NewReader("jpeg")},
	})
	var uerr *domain.UploadError
	require.ErrorAs(t, err, &uerr)
	msgs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	convs.AssertNotCalled(t, "Touch", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendFirstContactUploadFailureCreatesNoConversation(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	up := new(MockUploader)
	svc := newMessageService(convs, msgs, up)

	up.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("bucket unavailable"))

	_, err := svc.Send(context.Background(), ana, service.SendInput{
		RecipientID: bea.UserID,
		ListingID:   strPtr("monstera"),
		Image:       &service.ImageUpload{Filename: "plant.jpg", Body: strings.NewReader("jpeg")},
	})
	var uerr *domain.UploadError
	require.ErrorAs(t, err, &uerr)
	up.AssertExpectations(t)
	convs.AssertNotCalled(t, "FindByParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	convs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	msgs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)

	// Without an uploader the send fails the same way.
	_, err = newMessageService(convs, msgs, nil).Send(context.Background(), ana, service.SendInput{
		RecipientID: bea.UserID,
		Image:       &service.ImageUpload{Filename: "plant.jpg", Body: strings.NewReader("jpeg")},
	})
	require.ErrorAs(t, err, &uerr)
	convs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSendToSelfIsRejectedBeforeUpload(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	up := new(MockUploader)
	svc := newMessageService(convs, msgs, up)

	_, err := svc.Send(context.Background(), ana, service.SendInput{
		RecipientID: ana.UserID,
		Image:       &service.ImageUpload{Filename: "plant.jpg", Body: strings.NewReader("jpeg")},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendImageOnlyAndTouchFailureIsNonFatal(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	up := new(MockUploader)
	svc := newMessageService(convs, msgs, up)

	conv := &domain.Conversation{ID: "c1", ParticipantA: ana.UserID, ParticipantB: bea.UserID}
	convs.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	up.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("https://cdn/uploads/x.png", nil)
	msgs.On("Create", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.Content == "" && m.ImageURL != nil && *m.ImageURL == "https://cdn/uploads/x.png"
	})).Return(nil)
	convs.On("Touch", mock.Anything, "c1", mock.Anything).Return(errors.New("timeout"))

	res, err := svc.Send(context.Background(), ana, service.SendInput{
		ConversationID: "c1",
		Image:          &service.ImageUpload{Filename: "x.png", Body: strings.NewReader("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, service.PreviewPhoto, service.Preview(res.Message))
}

func TestSendInsertFailureIsSurfacedWithoutRetry(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	svc := newMessageService(convs, msgs, nil)

	convs.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", ParticipantA: ana.UserID, ParticipantB: bea.UserID}, nil)
	msgs.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := svc.Send(context.Background(), ana, service.SendInput{ConversationID: "c1", Content: "hola"})
	require.Error(t, err)
	assert.False(t, domain.IsFetchError(err))
	msgs.AssertNumberOfCalls(t, "Create", 1)
}

func TestSendToForeignConversationIsForbidden(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	svc := newMessageService(convs, msgs, nil)
	convs.On("GetByID", mock.Anything, "c9").Return(&domain.Conversation{ID: "c9", ParticipantA: "x", ParticipantB: "y"}, nil)

	_, err := svc.Send(context.Background(), ana, service.SendInput{ConversationID: "c9", Content: "hola"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestListAppliesLimit(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	svc := newMessageService(convs, msgs, nil)
	svc.MaxMessagesPerConversation = 50

	convs.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", ParticipantA: ana.UserID, ParticipantB: bea.UserID}, nil)
	msgs.On("ListForConversation", mock.Anything, "c1", 50).Return([]*domain.Message{{ID: "m1"}}, nil)

	list, err := svc.List(context.Background(), ana, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
