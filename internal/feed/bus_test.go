package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
)

type recordingPublisher struct {
	mu    sync.Mutex
	convs []domain.ConversationEvent
	msgs  []domain.MessageEvent
}

func (p *recordingPublisher) PublishConversation(ev domain.ConversationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convs = append(p.convs, ev)
}

func (p *recordingPublisher) PublishMessage(ev domain.MessageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, ev)
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func msgEvent(op domain.Op, id, convID string, participants ...string) domain.MessageEvent {
	return domain.MessageEvent{
		Op:           op,
		Message:      domain.Message{ID: id, ConversationID: convID, State: domain.StateSent},
		Participants: participants,
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var got []string
	b.SubscribeMessages(domain.MessageFilter{ConversationID: "c1"}, domain.MessageHandlers{
		OnInsert: func(ev domain.MessageEvent) { got = append(got, ev.Message.ID) },
	})

	for _, id := range []string{"m1", "m2", "m3"} {
		b.PublishMessage(msgEvent(domain.OpInsert, id, "c1", "a", "b"))
	}
	b.PublishMessage(msgEvent(domain.OpInsert, "other", "c2", "a", "b"))
	drain(t, b)

	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
}

func TestBusRoutesInsertAndUpdateSeparately(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var inserts, updates int
	b.SubscribeMessages(domain.MessageFilter{ParticipantID: "b"}, domain.MessageHandlers{
		OnInsert: func(domain.MessageEvent) { inserts++ },
		OnUpdate: func(domain.MessageEvent) { updates++ },
	})

	b.PublishMessage(msgEvent(domain.OpInsert, "m1", "c1", "a", "b"))
	b.PublishMessage(msgEvent(domain.OpUpdate, "m1", "c1", "a", "b"))
	b.PublishMessage(msgEvent(domain.OpInsert, "m2", "c9", "x", "y"))
	drain(t, b)

	assert.Equal(t, 1, inserts)
	assert.Equal(t, 1, updates)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var n int
	sub := b.SubscribeConversations(domain.ConversationFilter{ParticipantID: "a"}, domain.ConversationHandlers{
		OnInsert: func(domain.Conversation) { n++ },
	})
	conv := domain.Conversation{ID: "c1", ParticipantA: "a", ParticipantB: "b"}

	b.PublishConversation(domain.ConversationEvent{Op: domain.OpInsert, Conversation: conv})
	drain(t, b)
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.PublishConversation(domain.ConversationEvent{Op: domain.OpInsert, Conversation: conv})
	drain(t, b)

	assert.Equal(t, 1, n)
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var delivered bool
	b.SubscribeMessages(domain.MessageFilter{}, domain.MessageHandlers{
		OnInsert: func(domain.MessageEvent) { panic("boom") },
	})
	b.SubscribeMessages(domain.MessageFilter{}, domain.MessageHandlers{
		OnInsert: func(domain.MessageEvent) { delivered = true },
	})

	b.PublishMessage(msgEvent(domain.OpInsert, "m1", "c1", "a", "b"))
	drain(t, b)

	assert.True(t, delivered)
}

func TestBusHandlerMayPublish(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	var updates int
	b.SubscribeMessages(domain.MessageFilter{}, domain.MessageHandlers{
		OnInsert: func(ev domain.MessageEvent) {
			ev.Op = domain.OpUpdate
			b.PublishMessage(ev)
		},
		OnUpdate: func(domain.MessageEvent) { updates++ },
	})

	b.PublishMessage(msgEvent(domain.OpInsert, "m1", "c1", "a", "b"))
	drain(t, b)

	assert.Equal(t, 1, updates)
}

func TestBusForwardsOnlyLocalEvents(t *testing.T) {
	b := NewBus(nil, nil)
	defer b.Close()

	fwd := &recordingPublisher{}
	b.AddForwarder(fwd)

	b.PublishMessage(msgEvent(domain.OpInsert, "local", "c1", "a", "b"))
	b.DeliverMessage(msgEvent(domain.OpInsert, "remote", "c1", "a", "b"))
	drain(t, b)

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	require.Len(t, fwd.msgs, 1)
	assert.Equal(t, "local", fwd.msgs[0].Message.ID)
}
