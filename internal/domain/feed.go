package domain

// Collection names a record collection the change feed reports on.
type Collection string

const (
	CollectionConversations Collection = "conversations"
	CollectionMessages      Collection = "messages"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// ConversationEvent is a change to a conversation row.
type ConversationEvent struct {
	Op           Op           `json:"op"`
	Conversation Conversation `json:"conversation"`
}

// MessageEvent is a change to a message row. Participants is filled by the
// feed source so subscribers can route without another lookup.
type MessageEvent struct {
	Op           Op       `json:"op"`
	Message      Message  `json:"message"`
	Participants []string `json:"participants"`
}

// ConversationFilter narrows conversation events. Zero value matches all.
type ConversationFilter struct {
	ParticipantID string
}

// Match reports whether ev passes the filter.
func (f ConversationFilter) Match(ev ConversationEvent) bool {
	return f.ParticipantID == "" || ev.Conversation.HasParticipant(f.ParticipantID)
}

// MessageFilter narrows message events. Zero value matches all.
type MessageFilter struct {
	ConversationID string
	ParticipantID  string
}

// Match reports whether ev passes the filter.
func (f MessageFilter) Match(ev MessageEvent) bool {
	if f.ConversationID != "" && ev.Message.ConversationID != f.ConversationID {
		return false
	}
	if f.ParticipantID != "" {
		for _, p := range ev.Participants {
			if p == f.ParticipantID {
				return true
			}
		}
		return false
	}
	return true
}

// ConversationHandlers receive conversation events. Nil callbacks are skipped.
type ConversationHandlers struct {
	OnInsert func(Conversation)
	OnUpdate func(Conversation)
}

// MessageHandlers receive message events. Nil callbacks are skipped.
type MessageHandlers struct {
	OnInsert func(MessageEvent)
	OnUpdate func(MessageEvent)
}

// Subscription is a live registration on the change feed.
type Subscription interface {
	// Unsubscribe is idempotent; no callback starts after it returns.
	Unsubscribe()
}

// ChangeFeed is the subscription primitive the realtime core relies on.
type ChangeFeed interface {
	SubscribeConversations(filter ConversationFilter, h ConversationHandlers) Subscription
	SubscribeMessages(filter MessageFilter, h MessageHandlers) Subscription
}

// ChangePublisher is implemented by feed sinks that accept row changes.
type ChangePublisher interface {
	PublishConversation(ev ConversationEvent)
	PublishMessage(ev MessageEvent)
}
