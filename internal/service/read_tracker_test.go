package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
	"plantchat/internal/service"
	"plantchat/internal/store/sqlite"
)

func TestReadTrackerRejectsNonParticipants(t *testing.T) {
	convs := new(MockConversationRepo)
	msgs := new(MockMessageRepo)
	tracker := service.NewReadTracker(convs, msgs, nil)
	convs.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", ParticipantA: "x", ParticipantB: "y"}, nil)

	_, err := tracker.MarkConversationRead(context.Background(), ana, "c1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = tracker.UnreadCount(context.Background(), ana, "c1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	msgs.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

type world struct {
	convs   *service.ConversationService
	msgs    *service.MessageService
	tracker *service.ReadTracker
}

func newWorld(t *testing.T) world {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	convRepo := sqlite.NewConversationRepo(db, nil)
	msgRepo := sqlite.NewMessageRepo(db, nil)
	conversations := service.NewConversationService(convRepo, sqlite.NewProfileRepo(db), sqlite.NewListingRepo(db), nil)
	return world{
		convs:   conversations,
		msgs:    service.NewMessageService(conversations, convRepo, msgRepo, nil, nil, nil),
		tracker: service.NewReadTracker(convRepo, msgRepo, nil),
	}
}

func TestFirstContactScenario(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	sent, err := w.msgs.Send(ctx, ana, service.SendInput{
		RecipientID: bea.UserID,
		ListingID:   strPtr("L"),
		Content:     "Hola, interesa tu Monstera",
	})
	require.NoError(t, err)
	convID := sent.Conversation.ID

	n, err := w.tracker.UnreadCount(ctx, bea, convID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = w.tracker.UnreadCount(ctx, ana, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Bea opens the conversation.
	read, err := w.tracker.MarkConversationRead(ctx, bea, convID)
	require.NoError(t, err)
	require.Len(t, read, 1)
	firstReadAt := *read[0].ReadAt

	// Idempotent.
	again, err := w.tracker.MarkConversationRead(ctx, bea, convID)
	require.NoError(t, err)
	assert.Empty(t, again)
	n, err = w.tracker.UnreadCount(ctx, bea, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = w.msgs.Send(ctx, ana, service.SendInput{ConversationID: convID, Content: "¿Lo tienes aún?"})
	require.NoError(t, err)
	n, err = w.tracker.UnreadCount(ctx, bea, convID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := w.msgs.List(ctx, bea, convID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.StateRead, list[0].State)
	assert.True(t, list[0].ReadAt.Equal(firstReadAt))
	assert.Equal(t, domain.StateSent, list[1].State)

	summaries, err := w.convs.LoadSummaries(ctx, bea)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UnreadCount)
	assert.Equal(t, "¿Lo tienes aún?", summaries[0].Preview)
}

func TestConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	var wg sync.WaitGroup
	results := make([]*service.SendResult, 2)
	errs := make([]error, 2)
	for i, pair := range [][2]domain.Principal{{ana, bea}, {bea, ana}} {
		i, pair := i, pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = w.msgs.Send(ctx, pair[0], service.SendInput{
				RecipientID: pair[1].UserID,
				ListingID:   strPtr("L"),
				Content:     "hola",
			})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Conversation.ID, results[1].Conversation.ID)

	summaries, err := w.convs.LoadSummaries(ctx, ana)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UnreadCount)
}
