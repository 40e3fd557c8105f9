// Package session runs the realtime view of one connected client: the
// conversation list, the open conversations, delivery receipts and in-app
// notifications, all scoped to the lifetime of the connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"plantchat/internal/domain"
	"plantchat/internal/inbox"
	"plantchat/internal/metrics"
	"plantchat/internal/notify"
	"plantchat/internal/service"
)

type EventType string

const (
	EventConversations = EventType("conversations")
	EventMessages      = EventType("messages")
	EventSent          = EventType("sent")
	EventNotification  = EventType("notification")
	EventPermission    = EventType("permission")
	EventRefreshFailed = EventType("refresh_failed")
	EventError         = EventType("error")
)

// Event is one server-to-client update.
type Event struct {
	Type           EventType                    `json:"type"`
	RequestID      string                       `json:"request_id,omitempty"`
	ConversationID string                       `json:"conversation_id,omitempty"`
	Conversations  []domain.ConversationSummary `json:"conversations,omitempty"`
	TotalUnread    int                          `json:"total_unread,omitempty"`
	Messages       []domain.Message             `json:"messages,omitempty"`
	Message        *domain.Message              `json:"message,omitempty"`
	Notification   *notify.Notification         `json:"notification,omitempty"`
	Permission     domain.PermissionState       `json:"permission,omitempty"`
	Error          string                       `json:"error,omitempty"`
}

// Outbox receives the session's events. Emit is called from several
// goroutines and must not block for long.
type Outbox interface {
	Emit(ev Event)
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(Event)

func (f OutboxFunc) Emit(ev Event) { f(ev) }

// Deps are the shared collaborators every session uses.
type Deps struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Reads         *service.ReadTracker
	Pushes        notify.Registrar
	Profiles      domain.ProfileRepository
	Feed          domain.ChangeFeed
	Presence      notify.Presence
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	RefreshDebounce time.Duration
	StaleAfter      time.Duration
}

// SendRequest is a client send.
type SendRequest struct {
	ConversationID string
	RecipientID    string
	ListingID      *string
	Content        string
	Image          *service.ImageUpload
}

// Session owns every subscription of one client and releases them on Close
// or Reauthenticate.
type Session struct {
	id     string
	deps   Deps
	out    Outbox
	logger *slog.Logger

	dispatcher *notify.Dispatcher

	mu        sync.Mutex
	principal domain.Principal
	visible   bool
	focused   string
	streams   map[string]*inbox.Stream
	index     *inbox.Index
	inboxSub  domain.Subscription
	running   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p domain.Principal, deps Deps, out Outbox) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		deps:      deps,
		out:       out,
		principal: p,
		visible:   true,
		streams:   make(map[string]*inbox.Stream),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.logger = logger.With("component", "session", "session", s.id)
	s.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Principal: p,
		Presence:  deps.Presence,
		Registrar: deps.Pushes,
		Visible:   s.isVisible,
		Sink: func(n notify.Notification) {
			s.out.Emit(Event{Type: EventNotification, ConversationID: n.ConversationID, Notification: &n})
		},
		Metrics: deps.Metrics,
		Logger:  logger,
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Principal() domain.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Start subscribes the conversation list and the inbox and loads the list.
// A failed first load is reported as refresh_failed, not returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	p := s.principal
	s.mu.Unlock()

	index := inbox.NewIndex(inbox.IndexConfig{
		Principal:  p,
		Loader:     s.deps.Conversations,
		Feed:       s.deps.Feed,
		Debounce:   s.deps.RefreshDebounce,
		StaleAfter: s.deps.StaleAfter,
		OnChange:   s.emitConversations,
		OnError: func(err error) {
			s.out.Emit(Event{Type: EventRefreshFailed, Error: err.Error()})
		},
		Metrics: s.deps.Metrics,
		Logger:  s.logger,
	})
	index.Start()
	sub := s.deps.Feed.SubscribeMessages(
		domain.MessageFilter{ParticipantID: p.UserID},
		domain.MessageHandlers{OnInsert: s.onIncoming},
	)

	s.mu.Lock()
	s.index = index
	s.inboxSub = sub
	s.mu.Unlock()

	s.deps.Metrics.SessionOpened()
	s.Heartbeat(ctx)
	// Failures are already reported through OnError.
	_ = index.Load(ctx)
	return nil
}

// OpenConversation opens (or refocuses) a conversation view. The most
// recently opened conversation is the focused one.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return s.openConversation(ctx, conversationID, true)
}

// openConversation with focus false restores a view without moving focus to
// it, so nothing is marked read on its behalf.
func (s *Session) openConversation(ctx context.Context, conversationID string, focus bool) ([]domain.Message, error) {
	p := s.Principal()
	if _, err := s.deps.Conversations.Get(ctx, p, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	if focus {
		s.focused = conversationID
	}
	stream, ok := s.streams[conversationID]
	if !ok {
		stream = inbox.NewStream(inbox.StreamConfig{
			ConversationID: conversationID,
			Principal:      p,
			Source:         s.deps.Messages,
			Reads:          s.deps.Reads,
			Feed:           s.deps.Feed,
			Attentive:      func() bool { return s.isAttentive(conversationID) },
			OnChange:       s.emitMessages,
			Logger:         s.logger,
		})
		s.streams[conversationID] = stream
	}
	s.mu.Unlock()
	s.Heartbeat(ctx)

	if ok {
		if s.isAttentive(conversationID) {
			stream.MarkRead(ctx)
		}
		return stream.Snapshot(), nil
	}
	if err := stream.Open(ctx); err != nil {
		s.mu.Lock()
		if s.streams[conversationID] == stream {
			delete(s.streams, conversationID)
		}
		s.mu.Unlock()
		stream.Close()
		return nil, err
	}
	return stream.Snapshot(), nil
}

// CloseConversation releases the conversation view.
func (s *Session) CloseConversation(ctx context.Context, conversationID string) {
	s.mu.Lock()
	stream := s.streams[conversationID]
	delete(s.streams, conversationID)
	if s.focused == conversationID {
		s.focused = ""
	}
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	s.Heartbeat(ctx)
}

// SendMessage sends through the open stream when there is one, so the
// message shows up optimistically; otherwise straight through the service.
func (s *Session) SendMessage(ctx context.Context, req SendRequest) (*domain.Message, error) {
	p := s.Principal()
	if req.ConversationID != "" {
		s.mu.Lock()
		stream := s.streams[req.ConversationID]
		s.mu.Unlock()
		if stream != nil {
			return stream.Send(ctx, req.Content, req.Image)
		}
	}
	res, err := s.deps.Messages.Send(ctx, p, service.SendInput{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		ListingID:      req.ListingID,
		Content:        req.Content,
		Image:          req.Image,
	})
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

// MarkRead marks the conversation read on explicit request.
func (s *Session) MarkRead(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	changed, err := s.deps.Reads.MarkConversationRead(ctx, s.Principal(), conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	stream := s.streams[conversationID]
	s.mu.Unlock()
	if stream != nil {
		for _, m := range changed {
			stream.ApplyUpdate(*m)
		}
	}
	return changed, nil
}

// SetVisibility records whether the client is in the foreground. Coming
// back marks the focused conversation read and revalidates a stale list.
func (s *Session) SetVisibility(ctx context.Context, visible bool) {
	s.mu.Lock()
	s.visible = visible
	focused := s.focused
	stream := s.streams[focused]
	index := s.index
	s.mu.Unlock()

	s.Heartbeat(ctx)
	if !visible {
		return
	}
	if stream != nil {
		stream.MarkRead(ctx)
	}
	if index != nil {
		// Failures are reported through OnError.
		_ = index.EnsureFresh(ctx)
	}
}

// Heartbeat refreshes this session's presence entry.
func (s *Session) Heartbeat(ctx context.Context) {
	if s.deps.Presence == nil {
		return
	}
	s.mu.Lock()
	user := s.principal.UserID
	st := notify.SessionState{Visible: s.visible, FocusedConversation: s.focused}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.deps.Presence.Heartbeat(ctx, user, s.id, st); err != nil {
		s.logger.Warn("presence heartbeat failed", "error", err)
	}
}

// SetPermission records the permission the client runtime reports.
func (s *Session) SetPermission(st domain.PermissionState) domain.PermissionState {
	st = s.dispatcher.SetPermission(st)
	s.out.Emit(Event{Type: EventPermission, Permission: st})
	return st
}

func (s *Session) Permission() domain.PermissionState {
	return s.dispatcher.Permission()
}

// RequestNotificationPermission runs the permission flow with prompter.
func (s *Session) RequestNotificationPermission(ctx context.Context, prompter notify.Prompter) (bool, error) {
	granted, err := s.dispatcher.RequestPermission(ctx, prompter)
	s.out.Emit(Event{Type: EventPermission, Permission: s.dispatcher.Permission()})
	return granted, err
}

// Reauthenticate tears every subscription down and re-establishes it under
// p. Open conversations are reopened when the user is unchanged.
func (s *Session) Reauthenticate(ctx context.Context, p domain.Principal) error {
	if p.UserID == "" {
		return domain.ErrUnauthorized
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	prev := s.principal
	focused := s.focused
	open := make([]string, 0, len(s.streams))
	for id := range s.streams {
		if id != focused {
			open = append(open, id)
		}
	}
	s.mu.Unlock()

	s.teardown(ctx, prev)

	s.mu.Lock()
	s.principal = p
	s.focused = ""
	s.mu.Unlock()
	s.dispatcher.SetPrincipal(p)

	if err := s.Start(ctx); err != nil {
		return err
	}
	if prev.UserID != p.UserID {
		return nil
	}
	for _, id := range open {
		if _, err := s.openConversation(ctx, id, false); err != nil {
			s.logger.Warn("reopen conversation failed", "conversation", id, "error", err)
		}
	}
	if focused != "" {
		if _, err := s.openConversation(ctx, focused, true); err != nil {
			s.logger.Warn("reopen conversation failed", "conversation", focused, "error", err)
		}
	}
	return nil
}

// Close releases everything the session holds. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	p := s.principal
	s.mu.Unlock()

	s.teardown(context.Background(), p)
	s.cancel()
	s.wg.Wait()
}

func (s *Session) teardown(ctx context.Context, p domain.Principal) {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*inbox.Stream)
	index := s.index
	sub := s.inboxSub
	s.index = nil
	s.inboxSub = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if index != nil {
		index.Close()
	}
	for _, st := range streams {
		st.Close()
	}
	if s.deps.Presence != nil {
		if err := s.deps.Presence.Leave(ctx, p.UserID, s.id); err != nil {
			s.logger.Warn("presence leave failed", "error", err)
		}
	}
	if wasRunning {
		s.deps.Metrics.SessionClosed()
	}
}

// onIncoming runs on the feed goroutine; the store round trips happen on a
// session goroutine.
func (s *Session) onIncoming(ev domain.MessageEvent) {
	s.mu.Lock()
	p := s.principal
	if s.closed || !s.running || ev.Message.SenderID == p.UserID {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.receive(s.ctx, p, ev.Message)
	}()
}

// receive acknowledges delivery and hands the message to the dispatcher.
// It never marks anything read.
func (s *Session) receive(ctx context.Context, p domain.Principal, msg domain.Message) {
	if _, err := s.deps.Reads.MarkDelivered(ctx, p, msg.ConversationID); err != nil {
		s.logger.Warn("mark delivered failed", "conversation", msg.ConversationID, "error", err)
	}
	s.dispatcher.OnMessageEvent(ctx, msg, s.senderName(ctx, msg.SenderID))
}

func (s *Session) senderName(ctx context.Context, userID string) string {
	if s.deps.Profiles != nil {
		profiles, err := s.deps.Profiles.GetByIDs(ctx, []string{userID})
		if err == nil {
			if p, ok := profiles[userID]; ok && p.DisplayName != "" {
				return p.DisplayName
			}
		} else {
			s.logger.Warn("sender profile lookup failed", "user", userID, "error", err)
		}
	}
	return service.FallbackName(userID)
}

func (s *Session) isVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *Session) isAttentive(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible && s.focused == conversationID
}

func (s *Session) emitConversations(list []domain.ConversationSummary) {
	s.out.Emit(Event{Type: EventConversations, Conversations: list, TotalUnread: inbox.TotalUnread(list)})
}

func (s *Session) emitMessages(conversationID string, msgs []domain.Message) {
	s.out.Emit(Event{Type: EventMessages, ConversationID: conversationID, Messages: msgs})
}

// ErrorEvent renders err for the client.
func ErrorEvent(requestID string, err error) Event {
	return Event{Type: EventError, RequestID: requestID, Error: ClientMessage(err)}
}

// ClientMessage is the user-facing text of err.
func ClientMessage(err error) string {
	var (
		verr *domain.ValidationError
		uerr *domain.UploadError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &uerr):
		return "image upload failed, try again"
	case domain.IsFetchError(err):
		return "could not refresh, showing saved data"
	case errors.Is(err, domain.ErrForbidden):
		return "not a participant of this conversation"
	case errors.Is(err, domain.ErrNotFound):
		return "not found"
	case errors.Is(err, domain.ErrConflict):
		return "message already sent"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidInput):
		return fmt.Sprint(err)
	}
	return "something went wrong"
}
