// Package feed implements the change feed the realtime core subscribes to:
// an in-process Bus with one typed stream per entity kind, plus a NATS bridge
// that carries events between instances.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
)

// Bus fans change events out to subscribers. Events are queued and delivered
// by a single goroutine in publish order, so handlers may publish (or write to
// a store that publishes) without deadlocking.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	nextID    uint64
	convSubs  map[uint64]*conversationSub
	msgSubs   map[uint64]*messageSub
	forwarder []domain.ChangePublisher

	qmu      sync.Mutex
	cond     *sync.Cond
	queue    []envelope
	inFlight bool
	closed   bool
	done     chan struct{}
}

type envelope struct {
	conv *domain.ConversationEvent
	msg  *domain.MessageEvent
}

type conversationSub struct {
	filter   domain.ConversationFilter
	handlers domain.ConversationHandlers
	active   atomic.Bool
	remove   func()
}

func (s *conversationSub) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.remove()
	}
}

type messageSub struct {
	filter   domain.MessageFilter
	handlers domain.MessageHandlers
	active   atomic.Bool
	remove   func()
}

func (s *messageSub) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.remove()
	}
}

var (
	_ domain.ChangeFeed      = (*Bus)(nil)
	_ domain.ChangePublisher = (*Bus)(nil)
)

// NewBus starts a bus. Close stops its delivery goroutine.
func NewBus(logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:   logger.With("component", "feed"),
		metrics:  m,
		convSubs: make(map[uint64]*conversationSub),
		msgSubs:  make(map[uint64]*messageSub),
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.qmu)
	go b.run()
	return b
}

// AddForwarder registers a sink that receives every locally published event.
func (b *Bus) AddForwarder(p domain.ChangePublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = append(b.forwarder, p)
}

func (b *Bus) SubscribeConversations(filter domain.ConversationFilter, h domain.ConversationHandlers) domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &conversationSub{filter: filter, handlers: h}
	sub.active.Store(true)
	sub.remove = func() {
		b.mu.Lock()
		delete(b.convSubs, id)
		b.mu.Unlock()
	}
	b.convSubs[id] = sub
	return sub
}

func (b *Bus) SubscribeMessages(filter domain.MessageFilter, h domain.MessageHandlers) domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &messageSub{filter: filter, handlers: h}
	sub.active.Store(true)
	sub.remove = func() {
		b.mu.Lock()
		delete(b.msgSubs, id)
		b.mu.Unlock()
	}
	b.msgSubs[id] = sub
	return sub
}

// PublishConversation queues a locally originated event and forwards it.
func (b *Bus) PublishConversation(ev domain.ConversationEvent) {
	b.DeliverConversation(ev)
	for _, f := range b.forwarders() {
		f.PublishConversation(ev)
	}
}

// PublishMessage queues a locally originated event and forwards it.
func (b *Bus) PublishMessage(ev domain.MessageEvent) {
	b.DeliverMessage(ev)
	for _, f := range b.forwarders() {
		f.PublishMessage(ev)
	}
}

// DeliverConversation queues an event for local subscribers only.
func (b *Bus) DeliverConversation(ev domain.ConversationEvent) {
	b.enqueue(envelope{conv: &ev})
}

// DeliverMessage queues an event for local subscribers only.
func (b *Bus) DeliverMessage(ev domain.MessageEvent) {
	b.enqueue(envelope{msg: &ev})
}

// Drain blocks until every queued event has been delivered or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		b.qmu.Lock()
		for (len(b.queue) > 0 || b.inFlight) && !b.closed {
			b.cond.Wait()
		}
		b.qmu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery. Queued events are dropped.
func (b *Bus) Close() {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.qmu.Unlock()
	<-b.done
}

func (b *Bus) forwarders() []domain.ChangePublisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.ChangePublisher(nil), b.forwarder...)
}

func (b *Bus) enqueue(e envelope) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Broadcast()
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.qmu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.qmu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue[0] = envelope{}
		b.queue = b.queue[1:]
		b.inFlight = true
		b.qmu.Unlock()

		if e.conv != nil {
			b.dispatchConversation(*e.conv)
		}
		if e.msg != nil {
			b.dispatchMessage(*e.msg)
		}

		b.qmu.Lock()
		b.inFlight = false
		b.cond.Broadcast()
		b.qmu.Unlock()
	}
}

func (b *Bus) dispatchConversation(ev domain.ConversationEvent) {
	b.metrics.FeedEvent(string(domain.CollectionConversations), string(ev.Op))
	b.mu.RLock()
	subs := make([]*conversationSub, 0, len(b.convSubs))
	for _, s := range b.convSubs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() || !s.filter.Match(ev) {
			continue
		}
		var fn func(domain.Conversation)
		switch ev.Op {
		case domain.OpInsert:
			fn = s.handlers.OnInsert
		case domain.OpUpdate:
			fn = s.handlers.OnUpdate
		}
		if fn != nil {
			b.safely(string(domain.CollectionConversations), func() { fn(ev.Conversation) })
		}
	}
}

func (b *Bus) dispatchMessage(ev domain.MessageEvent) {
	b.metrics.FeedEvent(string(domain.CollectionMessages), string(ev.Op))
	b.mu.RLock()
	subs := make([]*messageSub, 0, len(b.msgSubs))
	for _, s := range b.msgSubs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() || !s.filter.Match(ev) {
			continue
		}
		var fn func(domain.MessageEvent)
		switch ev.Op {
		case domain.OpInsert:
			fn = s.handlers.OnInsert
		case domain.OpUpdate:
			fn = s.handlers.OnUpdate
		}
		if fn != nil {
			b.safely(string(domain.CollectionMessages), func() { fn(ev) })
		}
	}
}

func (b *Bus) safely(collection string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("feed handler panicked", "collection", collection, "panic", r)
		}
	}()
	fn()
}
