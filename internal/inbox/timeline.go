// Package inbox holds the per-session views of the messaging core: the
// conversation index and the message stream of each open conversation.
package inbox

import (
	"sort"
	"time"

	"plantchat/internal/domain"
)

// Timeline is the de-duplicated, ordered message list of one conversation.
// Confirmed messages are ordered by (CreatedAt, ID); pending messages (sent
// optimistically, not yet stored) follow them in the order they were added.
// Timeline is not safe for concurrent use.
type Timeline struct {
	confirmed []domain.Message
	pending   []domain.Message
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Upsert merges m into the timeline. A pending entry with the same id is
// promoted; an existing entry is merged without regressing its state.
// It reports whether the timeline changed.
func (t *Timeline) Upsert(m domain.Message) bool {
	if i := t.pendingIndex(m.ID); i >= 0 {
		merged := domain.MergeMessage(t.pending[i], m)
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		t.insert(merged)
		return true
	}
	if i := t.confirmedIndex(m.ID); i >= 0 {
		cur := t.confirmed[i]
		merged := domain.MergeMessage(cur, m)
		if messagesEqual(cur, merged) {
			return false
		}
		if merged.CreatedAt.Equal(cur.CreatedAt) {
			t.confirmed[i] = merged
			return true
		}
		t.confirmed = append(t.confirmed[:i], t.confirmed[i+1:]...)
		t.insert(merged)
		return true
	}
	t.insert(m)
	return true
}

// AddPending appends an optimistic entry. It is a no-op when a message with
// the same id is already present.
func (t *Timeline) AddPending(m domain.Message) bool {
	if t.Has(m.ID) {
		return false
	}
	t.pending = append(t.pending, m)
	return true
}

// Confirm replaces the pending entry id with its stored row.
func (t *Timeline) Confirm(id string, stored domain.Message) bool {
	if stored.ID != id {
		t.Discard(id)
	}
	return t.Upsert(stored)
}

// Discard drops a pending entry, e.g. after a failed send.
func (t *Timeline) Discard(id string) bool {
	if i := t.pendingIndex(id); i >= 0 {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		return true
	}
	return false
}

func (t *Timeline) Has(id string) bool {
	return t.pendingIndex(id) >= 0 || t.confirmedIndex(id) >= 0
}

func (t *Timeline) Len() int {
	return len(t.confirmed) + len(t.pending)
}

// Snapshot returns a copy of the rendering order.
func (t *Timeline) Snapshot() []domain.Message {
	out := make([]domain.Message, 0, t.Len())
	out = append(out, t.confirmed...)
	return append(out, t.pending...)
}

func (t *Timeline) insert(m domain.Message) {
	i := sort.Search(len(t.confirmed), func(i int) bool {
		return m.Before(&t.confirmed[i])
	})
	t.confirmed = append(t.confirmed, domain.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = m
}

func (t *Timeline) confirmedIndex(id string) int {
	for i := range t.confirmed {
		if t.confirmed[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) pendingIndex(id string) int {
	for i := range t.pending {
		if t.pending[i].ID == id {
			return i
		}
	}
	return -1
}

func messagesEqual(a, b domain.Message) bool {
	return a.Content == b.Content &&
		ptrEqual(a.ImageURL, b.ImageURL) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.State == b.State &&
		timeEqual(a.DeliveredAt, b.DeliveredAt) &&
		timeEqual(a.ReadAt, b.ReadAt)
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
