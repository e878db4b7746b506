package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tonescrow/internal/ton"
)

// RecordStatus is the payout state of a custodial wallet.
type RecordStatus string

const (
	StatusWaitingPayment RecordStatus = "waiting_payment"
	StatusReleased       RecordStatus = "released" // seller leg paid
	StatusFailed         RecordStatus = "failed"   // seller leg not paid
)

// Record is the durable side of an escrow: the custodial wallet, its
// owner and the split. It outlives the session so late funding can still
// be reconciled.
type Record struct {
	TransactionID string
	UserID        string
	SellerAddress string
	EscrowAddress string
	Signer        []byte
	Amounts       ton.Breakdown
	Status        RecordStatus
	SellerPaid    bool
	FeePaid       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FundedAt      *time.Time
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Signer = append([]byte(nil), r.Signer...)
	if r.FundedAt != nil {
		t := *r.FundedAt
		cp.FundedAt = &t
	}
	return &cp
}

// Settled reports whether both legs have been paid.
func (r *Record) Settled() bool {
	return r.SellerPaid && r.FeePaid
}

// RecordStore persists escrow records.
type RecordStore interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, txID string) (*Record, error)
	// Update replaces a record. Status may only move forward and paid legs
	// may not become unpaid; anything else is ErrInvalidTransition.
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, txID string) error
	ListByStatus(ctx context.Context, status RecordStatus, limit int) ([]*Record, error)
}

// CanTransition reports whether a stored record may be replaced by next.
func CanTransition(cur, next *Record) bool {
	if (cur.SellerPaid && !next.SellerPaid) || (cur.FeePaid && !next.FeePaid) {
		return false
	}
	if cur.Status == next.Status {
		return true
	}
	switch cur.Status {
	case StatusWaitingPayment:
		return next.Status == StatusReleased || next.Status == StatusFailed
	case StatusFailed:
		// only an operator retry that paid the seller
		return next.Status == StatusReleased && next.SellerPaid
	}
	return false
}

// MemoryRecordStore is an in-memory record store for development mode.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

func (m *MemoryRecordStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.TransactionID]; ok {
		return ErrDuplicateRecord
	}
	m.records[r.TransactionID] = r.Clone()
	return nil
}

func (m *MemoryRecordStore) Get(_ context.Context, txID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[txID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRecordStore) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.TransactionID]
	if !ok {
		return ErrRecordNotFound
	}
	if !CanTransition(cur, r) {
		return ErrInvalidTransition
	}
	m.records[r.TransactionID] = r.Clone()
	return nil
}

func (m *MemoryRecordStore) Delete(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[txID]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, txID)
	return nil
}

func (m *MemoryRecordStore) ListByStatus(_ context.Context, status RecordStatus, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.Status == status {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored records.
func (m *MemoryRecordStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ RecordStore = (*MemoryRecordStore)(nil)
