package inbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"plantchat/internal/domain"
	"plantchat/internal/service"
)

// ErrStreamClosed is returned by Open on a stream that was already closed.
var ErrStreamClosed = errors.New("stream closed")

// MessageSource is the message read/write surface a Stream needs.
type MessageSource interface {
	List(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error)
	Send(ctx context.Context, p domain.Principal, in service.SendInput) (*service.SendResult, error)
}

// ReadMarker transitions delivery state.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error)
}

// StreamConfig wires a Stream.
type StreamConfig struct {
	ConversationID string
	Principal      domain.Principal
	Source         MessageSource
	Reads          ReadMarker
	Feed           domain.ChangeFeed
	// Attentive reports whether the user is looking at this conversation
	// right now (focused and visible). Arrivals are marked read only then.
	Attentive func() bool
	// OnChange receives the rendering order after every mutation.
	OnChange func(conversationID string, messages []domain.Message)
	Logger   *slog.Logger
}

// Stream keeps the message list of one open conversation. Initial load,
// feed events and optimistic sends all merge into one Timeline.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	mu       sync.Mutex
	timeline *Timeline
	sub      domain.Subscription
	closed   bool

	emitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.Attentive == nil {
		cfg.Attentive = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:      cfg,
		logger:   logger.With("component", "stream", "conversation", cfg.ConversationID),
		timeline: NewTimeline(),
	}
}

// Open subscribes to the conversation's message events and loads the
// history. Subscribing first means no event falls between the two.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sub = s.cfg.Feed.SubscribeMessages(
		domain.MessageFilter{ConversationID: s.cfg.ConversationID},
		domain.MessageHandlers{
			OnInsert: func(ev domain.MessageEvent) { s.AppendIncoming(ev.Message) },
			OnUpdate: func(ev domain.MessageEvent) { s.ApplyUpdate(ev.Message) },
		},
	)
	s.mu.Unlock()

	return s.Load(ctx)
}

// Load merges the stored history into the timeline (never replacing what
// the feed already delivered). Unread messages are swept to read only while
// the user is attentive.
func (s *Stream) Load(ctx context.Context) error {
	msgs, err := s.cfg.Source.List(ctx, s.cfg.Principal, s.cfg.ConversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, m := range msgs {
		s.timeline.Upsert(*m)
	}
	s.mu.Unlock()
	s.emit()

	if s.cfg.Attentive() {
		s.markRead(ctx)
	}
	return nil
}

// AppendIncoming applies a feed insert. Replays and echoes of optimistic
// sends are recognized by id.
func (s *Stream) AppendIncoming(m domain.Message) {
	if m.ConversationID != s.cfg.ConversationID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.timeline.Upsert(m)
	s.mu.Unlock()
	if !changed {
		return
	}
	s.emit()

	if m.SenderID != s.cfg.Principal.UserID && m.State != domain.StateRead && s.cfg.Attentive() {
		s.goMarkRead()
	}
}

// ApplyUpdate applies a feed update; delivery state never regresses.
func (s *Stream) ApplyUpdate(m domain.Message) {
	if m.ConversationID != s.cfg.ConversationID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.timeline.Upsert(m)
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

// Send appends an optimistic entry, stores the message and reconciles the
// entry with the stored row. On failure the entry is dropped and the error
// returned; the send is not retried.
func (s *Stream) Send(ctx context.Context, content string, image *service.ImageUpload) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && image == nil {
		return nil, &domain.ValidationError{Field: "content", Reason: "message needs text or an image"}
	}
	id := uuid.NewString()
	pending := domain.Message{
		ID:             id,
		ConversationID: s.cfg.ConversationID,
		SenderID:       s.cfg.Principal.UserID,
		Content:        content,
		State:          domain.StateSent,
	}
	s.mu.Lock()
	s.timeline.AddPending(pending)
	s.mu.Unlock()
	s.emit()

	res, err := s.cfg.Source.Send(ctx, s.cfg.Principal, service.SendInput{
		MessageID:      id,
		ConversationID: s.cfg.ConversationID,
		Content:        content,
		Image:          image,
	})
	s.mu.Lock()
	if err != nil {
		s.timeline.Discard(id)
	} else {
		s.timeline.Confirm(id, *res.Message)
	}
	s.mu.Unlock()
	s.emit()
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

// Snapshot returns the current rendering order.
func (s *Stream) Snapshot() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Snapshot()
}

func (s *Stream) ConversationID() string { return s.cfg.ConversationID }

// MarkRead runs a read sweep now, e.g. when the conversation regains focus.
func (s *Stream) MarkRead(ctx context.Context) {
	s.markRead(ctx)
}

// Close releases the feed subscription and waits for in-flight sweeps.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	cancel := s.cancel
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Stream) goMarkRead() {
	s.mu.Lock()
	ctx := s.ctx
	if s.closed || ctx == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.markRead(ctx)
	}()
}

func (s *Stream) markRead(ctx context.Context) {
	if s.cfg.Reads == nil {
		return
	}
	changed, err := s.cfg.Reads.MarkConversationRead(ctx, s.cfg.Principal, s.cfg.ConversationID)
	if err != nil {
		s.logger.Warn("read sweep failed", "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	s.mu.Lock()
	for _, m := range changed {
		s.timeline.Upsert(*m)
	}
	s.mu.Unlock()
	s.emit()
}

// emit serializes OnChange calls so observers see snapshots in order.
func (s *Stream) emit() {
	if s.cfg.OnChange == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.cfg.OnChange(s.cfg.ConversationID, s.Snapshot())
}
