package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
)

const (
	DefaultRefreshDebounce = 250 * time.Millisecond
	DefaultStaleAfter      = 3 * time.Minute
)

// SummaryLoader produces the enriched conversation list of a principal.
type SummaryLoader interface {
	LoadSummaries(ctx context.Context, p domain.Principal) ([]*domain.ConversationSummary, error)
}

// IndexConfig wires an Index.
type IndexConfig struct {
	Principal  domain.Principal
	Loader     SummaryLoader
	Feed       domain.ChangeFeed
	Debounce   time.Duration
	StaleAfter time.Duration
	// OnChange receives every applied list.
	OnChange func(summaries []domain.ConversationSummary)
	// OnError receives refresh failures; the previous list stays in place.
	OnError func(err error)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Index caches the conversation list of one session and refreshes it when
// the change feed reports activity in any of the user's conversations.
type Index struct {
	cfg    IndexConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	summaries []domain.ConversationSummary
	loadedAt  time.Time
	nextGen   uint64
	applied   uint64
	timer     *time.Timer
	subs      []domain.Subscription
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIndex(cfg IndexConfig) *Index {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultRefreshDebounce
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Index{
		cfg:    cfg,
		logger: logger.With("component", "index", "user", cfg.Principal.UserID),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to conversation and message changes of the principal.
// Every event schedules a debounced refresh.
func (ix *Index) Start() {
	user := ix.cfg.Principal.UserID
	onConv := func(domain.Conversation) { ix.Invalidate() }
	onMsg := func(domain.MessageEvent) { ix.Invalidate() }

	convSub := ix.cfg.Feed.SubscribeConversations(
		domain.ConversationFilter{ParticipantID: user},
		domain.ConversationHandlers{OnInsert: onConv, OnUpdate: onConv},
	)
	msgSub := ix.cfg.Feed.SubscribeMessages(
		domain.MessageFilter{ParticipantID: user},
		domain.MessageHandlers{OnInsert: onMsg, OnUpdate: onMsg},
	)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		convSub.Unsubscribe()
		msgSub.Unsubscribe()
		return
	}
	ix.subs = append(ix.subs, convSub, msgSub)
}

// Load refreshes the list now. On failure the cached list is kept, OnError
// is called and the error returned.
func (ix *Index) Load(ctx context.Context) error {
	return ix.refresh(ctx)
}

// EnsureFresh reloads only when the cached list is older than StaleAfter.
func (ix *Index) EnsureFresh(ctx context.Context) error {
	ix.mu.Lock()
	fresh := !ix.loadedAt.IsZero() && ix.now().Sub(ix.loadedAt) < ix.cfg.StaleAfter
	ix.mu.Unlock()
	if fresh {
		return nil
	}
	return ix.refresh(ctx)
}

// Invalidate schedules a refresh after the debounce window. Calls within the
// window collapse into one refresh.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return
	}
	if ix.timer == nil {
		ix.timer = time.AfterFunc(ix.cfg.Debounce, ix.fire)
		return
	}
	ix.timer.Reset(ix.cfg.Debounce)
}

// Snapshot returns a copy of the cached list.
func (ix *Index) Snapshot() []domain.ConversationSummary {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]domain.ConversationSummary(nil), ix.summaries...)
}

// TotalUnread sums unread counts over a conversation list.
func TotalUnread(summaries []domain.ConversationSummary) int {
	n := 0
	for i := range summaries {
		n += summaries[i].UnreadCount
	}
	return n
}

// Close releases the subscriptions and waits for a running refresh.
func (ix *Index) Close() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	subs := ix.subs
	ix.subs = nil
	if ix.timer != nil {
		ix.timer.Stop()
	}
	ix.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	ix.cancel()
	ix.wg.Wait()
}

func (ix *Index) fire() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.wg.Add(1)
	ix.mu.Unlock()
	defer ix.wg.Done()

	// Failures are reported through OnError.
	_ = ix.refresh(ix.ctx)
}

func (ix *Index) refresh(ctx context.Context) error {
	ix.mu.Lock()
	ix.nextGen++
	gen := ix.nextGen
	ix.mu.Unlock()

	list, err := ix.cfg.Loader.LoadSummaries(ctx, ix.cfg.Principal)

	ix.mu.Lock()
	if ix.closed || gen < ix.applied {
		ix.mu.Unlock()
		return err
	}
	if err != nil {
		ix.mu.Unlock()
		ix.cfg.Metrics.SummaryRefresh(false)
		ix.logger.Warn("conversation list refresh failed", "error", err)
		if ix.cfg.OnError != nil {
			ix.cfg.OnError(err)
		}
		return err
	}
	ix.applied = gen
	ix.loadedAt = ix.now()
	ix.summaries = make([]domain.ConversationSummary, 0, len(list))
	for _, s := range list {
		ix.summaries = append(ix.summaries, *s)
	}
	snapshot := append([]domain.ConversationSummary(nil), ix.summaries...)
	ix.mu.Unlock()

	ix.cfg.Metrics.SummaryRefresh(true)
	if ix.cfg.OnChange != nil {
		ix.cfg.OnChange(snapshot)
	}
	return nil
}
