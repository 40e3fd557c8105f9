package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantchat/internal/domain"
	"plantchat/internal/feed"
	"plantchat/internal/service"
)

var (
	ana = domain.Principal{UserID: "ana", DisplayName: "Ana"}
	bea = domain.Principal{UserID: "bea", DisplayName: "Bea"}
)

type fakeSource struct {
	mu      sync.Mutex
	history []*domain.Message
	sendErr error
	sent    []service.SendInput
	clock   time.Time
}

func (f *fakeSource) List(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeSource) Send(ctx context.Context, p domain.Principal, in service.SendInput) (*service.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.clock = f.clock.Add(time.Second)
	return &service.SendResult{Message: &domain.Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		SenderID:       p.UserID,
		Content:        in.Content,
		CreatedAt:      f.clock,
		State:          domain.StateSent,
	}}, nil
}

type fakeReads struct {
	calls atomic.Int32
	at    time.Time
	mu    sync.Mutex
	// unread is returned (and cleared) by the next sweep.
	unread []*domain.Message
}

func (f *fakeReads) MarkConversationRead(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.unread
	f.unread = nil
	for _, m := range out {
		m.State = domain.StateRead
		at := f.at
		m.ReadAt = &at
	}
	return out, nil
}

func (f *fakeReads) queue(m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = append(f.unread, &m)
}

func drainBus(t *testing.T, b *feed.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func insertEvent(m domain.Message) domain.MessageEvent {
	return domain.MessageEvent{Op: domain.OpInsert, Message: m, Participants: []string{ana.UserID, bea.UserID}}
}

func newTestStream(t *testing.T, bus *feed.Bus, src *fakeSource, reads *fakeReads, attentive *atomic.Bool) *Stream {
	t.Helper()
	s := NewStream(StreamConfig{
		ConversationID: "c1",
		Principal:      bea,
		Source:         src,
		Reads:          reads,
		Feed:           bus,
		Attentive:      attentive.Load,
	})
	t.Cleanup(s.Close)
	return s
}

func TestStreamLoadTriggersReadSweep(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	m1 := msgAt("m1", 0, domain.StateSent)
	src := &fakeSource{history: []*domain.Message{&m1}}
	reads := &fakeReads{at: t0.Add(time.Minute)}
	reads.queue(m1)
	var attentive atomic.Bool
	attentive.Store(true)

	s := newTestStream(t, bus, src, reads, &attentive)
	require.NoError(t, s.Open(context.Background()))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.StateRead, snap[0].State)
	assert.EqualValues(t, 1, reads.calls.Load())
}

func TestStreamLoadDoesNotSweepWhenNotAttentive(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	m1 := msgAt("m1", 0, domain.StateDelivered)
	src := &fakeSource{history: []*domain.Message{&m1}}
	reads := &fakeReads{at: t0.Add(time.Minute)}
	reads.queue(m1)
	var attentive atomic.Bool

	s := newTestStream(t, bus, src, reads, &attentive)
	require.NoError(t, s.Open(context.Background()))

	assert.EqualValues(t, 0, reads.calls.Load())
	assert.Equal(t, domain.StateDelivered, s.Snapshot()[0].State)

	attentive.Store(true)
	s.MarkRead(context.Background())
	assert.Equal(t, domain.StateRead, s.Snapshot()[0].State)
}

func TestStreamOpenAfterCloseFails(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	var attentive atomic.Bool

	s := newTestStream(t, bus, &fakeSource{}, &fakeReads{}, &attentive)
	s.Close()
	assert.ErrorIs(t, s.Open(context.Background()), ErrStreamClosed)

	bus.PublishMessage(insertEvent(msgAt("m1", 0, domain.StateSent)))
	drainBus(t, bus)
	assert.Empty(t, s.Snapshot())
}

func TestStreamSendThenEchoKeepsOneEntry(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	src := &fakeSource{clock: t0}
	var attentive atomic.Bool
	attentive.Store(true)

	s := newTestStream(t, bus, src, &fakeReads{}, &attentive)
	require.NoError(t, s.Open(context.Background()))

	stored, err := s.Send(context.Background(), "hola", nil)
	require.NoError(t, err)
	bus.PublishMessage(insertEvent(*stored))
	bus.PublishMessage(insertEvent(*stored))
	drainBus(t, bus)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, stored.ID, snap[0].ID)
	assert.Equal(t, stored.ID, src.sent[0].MessageID)
}

func TestStreamOrdersOutOfOrderEvents(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	var attentive atomic.Bool

	s := newTestStream(t, bus, &fakeSource{}, &fakeReads{}, &attentive)
	require.NoError(t, s.Open(context.Background()))

	bus.PublishMessage(insertEvent(msgAt("m2", 2*time.Second, domain.StateSent)))
	bus.PublishMessage(insertEvent(msgAt("m1", time.Second, domain.StateSent)))
	bus.PublishMessage(insertEvent(msgAt("m3", 3*time.Second, domain.StateSent)))
	bus.PublishMessage(insertEvent(msgAt("m1", time.Second, domain.StateSent)))
	bus.PublishMessage(insertEvent(domain.Message{ID: "x", ConversationID: "other", CreatedAt: t0}))
	drainBus(t, bus)

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Snapshot()))
}

func TestStreamMarksArrivalsReadOnlyWhenAttentive(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	reads := &fakeReads{at: t0.Add(time.Minute)}
	var attentive atomic.Bool

	s := newTestStream(t, bus, &fakeSource{}, reads, &attentive)
	require.NoError(t, s.Open(context.Background()))
	afterLoad := reads.calls.Load()

	bus.PublishMessage(insertEvent(msgAt("m1", time.Second, domain.StateSent)))
	drainBus(t, bus)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, afterLoad, reads.calls.Load())

	attentive.Store(true)
	m2 := msgAt("m2", 2*time.Second, domain.StateSent)
	reads.queue(m2)
	bus.PublishMessage(insertEvent(m2))
	drainBus(t, bus)

	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 2 && snap[1].State == domain.StateRead
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateSent, s.Snapshot()[0].State)
}

func TestStreamOwnMessagesDoNotTriggerSweep(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	reads := &fakeReads{}
	var attentive atomic.Bool
	attentive.Store(true)

	s := newTestStream(t, bus, &fakeSource{}, reads, &attentive)
	require.NoError(t, s.Open(context.Background()))
	afterLoad := reads.calls.Load()

	own := msgAt("m1", time.Second, domain.StateSent)
	own.SenderID = bea.UserID
	bus.PublishMessage(insertEvent(own))
	drainBus(t, bus)
	s.Close()

	assert.Equal(t, afterLoad, reads.calls.Load())
}

func TestStreamFailedSendDiscardsPending(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	src := &fakeSource{sendErr: errors.New("connection reset")}
	var attentive atomic.Bool

	var mu sync.Mutex
	var lens []int
	s := NewStream(StreamConfig{
		ConversationID: "c1",
		Principal:      bea,
		Source:         src,
		Feed:           bus,
		Attentive:      attentive.Load,
		OnChange: func(_ string, msgs []domain.Message) {
			mu.Lock()
			lens = append(lens, len(msgs))
			mu.Unlock()
		},
	})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	_, err := s.Send(context.Background(), "hola", nil)
	require.Error(t, err)
	assert.Empty(t, s.Snapshot())

	mu.Lock()
	defer mu.Unlock()
	// load, optimistic append, discard
	assert.Equal(t, []int{0, 1, 0}, lens)
}

func TestStreamUpdateNeverRegresses(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	var attentive atomic.Bool

	s := newTestStream(t, bus, &fakeSource{}, &fakeReads{}, &attentive)
	require.NoError(t, s.Open(context.Background()))

	m := msgAt("m1", 0, domain.StateSent)
	bus.PublishMessage(insertEvent(m))
	read := m
	read.State = domain.StateRead
	bus.PublishMessage(domain.MessageEvent{Op: domain.OpUpdate, Message: read})
	delivered := m
	delivered.State = domain.StateDelivered
	bus.PublishMessage(domain.MessageEvent{Op: domain.OpUpdate, Message: delivered})
	drainBus(t, bus)

	assert.Equal(t, domain.StateRead, s.Snapshot()[0].State)
}

func TestStreamCloseReleasesSubscription(t *testing.T) {
	bus := feed.NewBus(nil, nil)
	defer bus.Close()
	var attentive atomic.Bool

	s := newTestStream(t, bus, &fakeSource{}, &fakeReads{}, &attentive)
	require.NoError(t, s.Open(context.Background()))
	s.Close()

	bus.PublishMessage(insertEvent(msgAt("m1", 0, domain.StateSent)))
	drainBus(t, bus)
	assert.Empty(t, s.Snapshot())
}
