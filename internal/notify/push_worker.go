package notify

import (
	"context"
	"log/slog"
	"sync"

	"plantchat/internal/domain"
	"plantchat/internal/service"
)

const (
	defaultPushWorkers = 4
	defaultPushQueue   = 256
)

// PushDeliverer fans a payload out to every endpoint of a user.
type PushDeliverer interface {
	Deliver(ctx context.Context, userID string, payload service.PushPayload) (service.DeliveryReport, error)
}

type PushWorkerConfig struct {
	Pushes   PushDeliverer
	Presence Presence
	Profiles domain.ProfileRepository
	Workers  int
	Queue    int
	Logger   *slog.Logger
}

// PushWorker is the out-of-band path: it sees every message insert published
// on this instance and pushes to recipients with no visible session. It is
// registered as a Bus forwarder so that with a NATS bridge each insert is
// pushed once, by the instance that stored it.
type PushWorker struct {
	cfg    PushWorkerConfig
	logger *slog.Logger
	queue  chan domain.MessageEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ domain.ChangePublisher = (*PushWorker)(nil)

func NewPushWorker(cfg PushWorkerConfig) *PushWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPushWorkers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultPushQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PushWorker{
		cfg:    cfg,
		logger: logger.With("component", "push-worker"),
		queue:  make(chan domain.MessageEvent, cfg.Queue),
	}
}

// Start launches the workers; they stop when ctx is done or Stop is called.
func (w *PushWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-w.queue:
					w.Handle(ctx, ev)
				}
			}
		}()
	}
}

// Stop cancels the workers and waits for them. Queued events are dropped.
func (w *PushWorker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *PushWorker) PublishConversation(domain.ConversationEvent) {}

// PublishMessage queues message inserts. It never blocks the feed; when the
// queue is full the event is dropped.
func (w *PushWorker) PublishMessage(ev domain.MessageEvent) {
	if ev.Op != domain.OpInsert {
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.logger.Warn("push queue full, dropping message", "message", ev.Message.ID)
	}
}

// Handle pushes ev to every recipient that is not looking at the app.
func (w *PushWorker) Handle(ctx context.Context, ev domain.MessageEvent) {
	msg := ev.Message
	var senderName string
	for _, recipient := range ev.Participants {
		if recipient == msg.SenderID || recipient == "" {
			continue
		}
		if w.cfg.Presence != nil {
			visible, err := w.cfg.Presence.HasVisibleSession(ctx, recipient)
			if err != nil {
				w.logger.Warn("presence lookup failed", "user", recipient, "error", err)
			} else if visible {
				continue
			}
		}
		if senderName == "" {
			senderName = w.senderName(ctx, msg.SenderID)
		}
		report, err := w.cfg.Pushes.Deliver(ctx, recipient, BuildNotification(msg, senderName))
		if err != nil {
			w.logger.Warn("push delivery failed", "user", recipient, "message", msg.ID, "error", err)
			continue
		}
		if report.Attempted > 0 {
			w.logger.Debug("push delivered",
				"user", recipient,
				"message", msg.ID,
				"delivered", report.Delivered,
				"removed", report.Removed,
				"failed", report.Failed,
			)
		}
	}
}

func (w *PushWorker) senderName(ctx context.Context, userID string) string {
	if w.cfg.Profiles != nil {
		profiles, err := w.cfg.Profiles.GetByIDs(ctx, []string{userID})
		if err != nil {
			w.logger.Warn("sender profile lookup failed", "user", userID, "error", err)
		} else if p, ok := profiles[userID]; ok && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return service.FallbackName(userID)
}
