package notify

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/tonescrow/internal/escrow"
)

// DefaultMailboxSize is how many notices are kept per user.
const DefaultMailboxSize = 50

// Mailbox keeps the most recent notices of every user in memory so a client
// that was not connected when a notice went out can still read it.
type Mailbox struct {
	mu    sync.RWMutex
	boxes map[string][]Notice
	size  int
	now   func() time.Time
}

var _ escrow.Notifier = (*Mailbox)(nil)

// NewMailbox creates a mailbox holding up to size notices per user.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		boxes: make(map[string][]Notice),
		size:  size,
		now:   time.Now,
	}
}

// Send appends a notice, evicting the oldest one when the box is full.
func (m *Mailbox) Send(_ context.Context, userID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box := append(m.boxes[userID], Notice{UserID: userID, Text: text, SentAt: m.now().UTC()})
	if over := len(box) - m.size; over > 0 {
		box = append([]Notice(nil), box[over:]...)
	}
	m.boxes[userID] = box
}

// Recent returns userID's notices newer than since, oldest first. A zero
// since returns all of them.
func (m *Mailbox) Recent(userID string, since time.Time) []Notice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Notice, 0, len(m.boxes[userID]))
	for _, n := range m.boxes[userID] {
		if n.SentAt.After(since) {
			out = append(out, n)
		}
	}
	return out
}

// Clear drops every notice of userID.
func (m *Mailbox) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, userID)
}
