package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/tonescrow/internal/ton"
)

// Step is a session's position in the escrow conversation.
type Step string

const (
	StepIdle                  Step = "idle"
	StepAwaitingSellerAddress Step = "awaiting_seller_address"
	StepAwaitingAmount        Step = "awaiting_amount"
	StepProvisioning          Step = "provisioning"
	StepFundedWaiting         Step = "funded_waiting"
	StepReleaseFailed         Step = "release_failed" // kept for support, not active
)

// Active reports whether a new escrow must be refused while the session is
// at this step.
func (s Step) Active() bool {
	return s == StepProvisioning || s == StepFundedWaiting
}

// Session is one user's in-progress escrow. It is stored and replaced as a
// whole value; there are no partial updates.
type Session struct {
	UserID        string        `json:"userId"`
	Step          Step          `json:"step"`
	SellerAddress string        `json:"sellerAddress,omitempty"`
	Amounts       ton.Breakdown `json:"-"`
	TransactionID string        `json:"transactionId,omitempty"`
	EscrowAddress string        `json:"escrowAddress,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Expired reports whether the session is older than ttl at now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.StartedAt) > ttl
}

// Watching reports whether a monitor for txID should keep polling.
func (s *Session) Watching(txID string) bool {
	return s != nil && s.Step == StepFundedWaiting && s.TransactionID == txID
}

// SessionStore holds at most one session per user.
type SessionStore interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
	// CompareAndDelete deletes the user's session only while it still
	// carries txID. It reports whether a session was deleted.
	CompareAndDelete(ctx context.Context, userID, txID string) (bool, error)
	// CompareAndUpdate applies fn to the user's session only while it still
	// carries txID. It reports whether the session was updated.
	CompareAndUpdate(ctx context.Context, userID, txID string, fn func(*Session)) (bool, error)
}

// MemorySessionStore is the process-lifetime session store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (m *MemorySessionStore) Get(_ context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return &s, nil
}

func (m *MemorySessionStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.UserID] = *s
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	return nil
}

func (m *MemorySessionStore) CompareAndDelete(_ context.Context, userID, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok || s.TransactionID != txID {
		return false, nil
	}
	delete(m.sessions, userID)
	return true, nil
}

func (m *MemorySessionStore) CompareAndUpdate(_ context.Context, userID, txID string, fn func(*Session)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok || s.TransactionID != txID {
		return false, nil
	}
	fn(&s)
	s.UserID = userID
	m.sessions[userID] = s
	return true, nil
}

// Len returns the number of stored sessions.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

var _ SessionStore = (*MemorySessionStore)(nil)
