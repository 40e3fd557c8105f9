package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
	"plantchat/internal/service"
)

// Notification is the payload of both the in-app and the push path.
type Notification = service.PushPayload

// Notification outcomes recorded in metrics.
const (
	OutcomeRaised       = "raised"
	OutcomeOwnMessage   = "own_message"
	OutcomeNoPermission = "no_permission"
	OutcomeHidden       = "hidden"
	OutcomeFocused      = "focused"
)

// BuildNotification renders the notification for msg from senderName.
func BuildNotification(msg domain.Message, senderName string) Notification {
	body := strings.TrimSpace(msg.Content)
	if body == "" {
		body = service.PreviewPhoto
	}
	return Notification{
		Title:          senderName,
		Body:           body,
		URL:            "/messages/" + msg.ConversationID,
		Tag:            msg.ConversationID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}
}

// Prompter asks the user for notification permission. On grant it also
// returns the push subscription the runtime created, if any.
type Prompter interface {
	Prompt(ctx context.Context) (domain.PermissionState, *service.SubscriptionInput, error)
}

// Registrar persists push subscriptions.
type Registrar interface {
	Register(ctx context.Context, p domain.Principal, in service.SubscriptionInput) (*domain.PushSubscription, error)
}

type DispatcherConfig struct {
	Principal domain.Principal
	Presence  Presence
	Registrar Registrar
	// Visible reports whether this session is in the foreground.
	Visible func() bool
	// Sink shows a notification in this session.
	Sink    func(Notification)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher is the in-app notification path of one session. It owns the
// permission state of that session's runtime.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger

	mu         sync.Mutex
	permission domain.PermissionState
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Visible == nil {
		cfg.Visible = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger.With("component", "dispatcher", "user", cfg.Principal.UserID),
		permission: domain.PermissionDefault,
	}
}

func (d *Dispatcher) Permission() domain.PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// SetPermission records the state the runtime reports. Unsupported is
// terminal, denied only leaves for granted (the user changed it in the
// browser settings) and unknown values are treated as default.
func (d *Dispatcher) SetPermission(st domain.PermissionState) domain.PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := domain.ParsePermission(string(st))
	switch d.permission {
	case domain.PermissionUnsupported:
		return d.permission
	case domain.PermissionDenied:
		if next != domain.PermissionGranted {
			return d.permission
		}
	}
	d.permission = next
	return d.permission
}

// SetPrincipal switches the identity after reauthentication.
func (d *Dispatcher) SetPrincipal(p domain.Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Principal = p
}

// RequestPermission prompts only from the default state: unsupported and
// denied answer false without prompting, granted answers true. A grant
// registers the returned subscription; a registration failure is returned.
func (d *Dispatcher) RequestPermission(ctx context.Context, prompter Prompter) (bool, error) {
	d.mu.Lock()
	current := d.permission
	p := d.cfg.Principal
	d.mu.Unlock()

	switch current {
	case domain.PermissionUnsupported, domain.PermissionDenied:
		return false, nil
	case domain.PermissionGranted:
		return true, nil
	}

	st, sub, err := prompter.Prompt(ctx)
	if err != nil {
		return false, err
	}
	st = d.SetPermission(st)
	if st != domain.PermissionGranted {
		return false, nil
	}
	if sub != nil && d.cfg.Registrar != nil {
		if _, err := d.cfg.Registrar.Register(ctx, p, *sub); err != nil {
			return true, err
		}
	}
	return true, nil
}

// OnMessageEvent raises a notification for msg unless it is the user's own
// message, permission is not granted, this session is hidden (push covers
// it) or some session of the user is looking at the conversation.
func (d *Dispatcher) OnMessageEvent(ctx context.Context, msg domain.Message, senderName string) (Notification, bool) {
	outcome := d.decide(ctx, msg)
	d.cfg.Metrics.Notification(outcome)
	if outcome != OutcomeRaised {
		return Notification{}, false
	}
	n := BuildNotification(msg, senderName)
	if d.cfg.Sink != nil {
		d.cfg.Sink(n)
	}
	return n, true
}

func (d *Dispatcher) decide(ctx context.Context, msg domain.Message) string {
	d.mu.Lock()
	perm := d.permission
	user := d.cfg.Principal.UserID
	d.mu.Unlock()

	if msg.SenderID == user {
		return OutcomeOwnMessage
	}
	if perm != domain.PermissionGranted {
		return OutcomeNoPermission
	}
	if !d.cfg.Visible() {
		return OutcomeHidden
	}
	if d.cfg.Presence != nil {
		focused, err := d.cfg.Presence.IsFocused(ctx, user, msg.ConversationID)
		if err != nil {
			d.logger.Warn("presence lookup failed", "error", err)
		} else if focused {
			return OutcomeFocused
		}
	}
	return OutcomeRaised
}
