// Package notify decides when a new message becomes a notification: the
// in-app path for open sessions and the push path for everyone else.
package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultPresenceTTL bounds how long a session counts as present without a
// heartbeat.
const DefaultPresenceTTL = 45 * time.Second

// SessionState is what a session reports on every heartbeat.
type SessionState struct {
	Visible             bool   `json:"visible"`
	FocusedConversation string `json:"focused_conversation,omitempty"`
}

// Presence tracks the live sessions of each user across tabs and devices.
type Presence interface {
	Heartbeat(ctx context.Context, userID, sessionID string, st SessionState) error
	Leave(ctx context.Context, userID, sessionID string) error
	// IsFocused reports whether any visible session of userID has
	// conversationID open and focused.
	IsFocused(ctx context.Context, userID, conversationID string) (bool, error)
	HasVisibleSession(ctx context.Context, userID string) (bool, error)
}

type presenceEntry struct {
	state     SessionState
	expiresAt time.Time
}

// MemoryPresence is a single-instance Presence.
type MemoryPresence struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	users map[string]map[string]presenceEntry
}

var _ Presence = (*MemoryPresence)(nil)

func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &MemoryPresence{
		ttl:   ttl,
		now:   time.Now,
		users: make(map[string]map[string]presenceEntry),
	}
}

func (p *MemoryPresence) Heartbeat(_ context.Context, userID, sessionID string, st SessionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := p.users[userID]
	if sessions == nil {
		sessions = make(map[string]presenceEntry)
		p.users[userID] = sessions
	}
	sessions[sessionID] = presenceEntry{state: st, expiresAt: p.now().Add(p.ttl)}
	return nil
}

func (p *MemoryPresence) Leave(_ context.Context, userID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessions, ok := p.users[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(p.users, userID)
		}
	}
	return nil
}

func (p *MemoryPresence) IsFocused(_ context.Context, userID, conversationID string) (bool, error) {
	for _, st := range p.live(userID) {
		if st.Visible && st.FocusedConversation == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func (p *MemoryPresence) HasVisibleSession(_ context.Context, userID string) (bool, error) {
	for _, st := range p.live(userID) {
		if st.Visible {
			return true, nil
		}
	}
	return false, nil
}

// live returns the unexpired sessions of userID, pruning the rest.
func (p *MemoryPresence) live(userID string) []SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	sessions := p.users[userID]
	out := make([]SessionState, 0, len(sessions))
	for id, e := range sessions {
		if now.After(e.expiresAt) {
			delete(sessions, id)
			continue
		}
		out = append(out, e.state)
	}
	if len(sessions) == 0 {
		delete(p.users, userID)
	}
	return out
}
