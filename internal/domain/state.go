package domain

import "time"

// DeliveryState is the receipt lifecycle of a message: sent → delivered → read.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// Rank orders states; unknown states rank below sent.
func (s DeliveryState) Rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s DeliveryState) Advances(next DeliveryState) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// MergeMessage folds a newer observation of the same message into cur without
// ever regressing its delivery state. Timestamps keep the first value seen.
func MergeMessage(cur, next Message) Message {
	out := cur
	if next.Content != "" {
		out.Content = next.Content
	}
	if out.ImageURL == nil && next.ImageURL != nil {
		out.ImageURL = next.ImageURL
	}
	if !next.CreatedAt.IsZero() {
		out.CreatedAt = next.CreatedAt
	}
	if cur.State.Advances(next.State) {
		out.State = next.State
	}
	out.DeliveredAt = firstTime(cur.DeliveredAt, next.DeliveredAt)
	out.ReadAt = firstTime(cur.ReadAt, next.ReadAt)
	return out
}

func firstTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

// PermissionState is the notification permission of one runtime context.
type PermissionState string

const (
	PermissionUnsupported PermissionState = "unsupported"
	PermissionDefault     PermissionState = "default"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
)

// ParsePermission maps a client-reported value onto a known state.
func ParsePermission(s string) PermissionState {
	switch PermissionState(s) {
	case PermissionUnsupported, PermissionGranted, PermissionDenied:
		return PermissionState(s)
	}
	return PermissionDefault
}
