package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xssnick/tonutils-go/address"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/ton"
)

var (
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrTransferRefused     = errors.New("wallet: sandbox refused transfer")
)

// Transfer is one settled sandbox transfer.
type Transfer struct {
	Hash   string     `json:"hash"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Amount ton.Amount `json:"amountNano"`
	At     time.Time  `json:"at"`
}

// Sandbox is an in-process ledger for development mode and tests. It
// settles payouts like the chain would and serves balances like the oracle
// would, so the whole escrow flow runs without a network. Balances are kept
// per account, so the bounceable and non-bounceable forms of an address
// share one.
type Sandbox struct {
	testnet bool
	now     func() time.Time

	mu        sync.Mutex
	balances  map[string]ton.Amount
	refuse    map[string]bool
	transfers []Transfer
}

var (
	_ Chain                = (*Sandbox)(nil)
	_ escrow.BalanceOracle = (*Sandbox)(nil)
)

// NewSandbox creates an empty ledger. testnet must match the Provider
// config whose payouts it settles.
func NewSandbox(testnet bool) *Sandbox {
	return &Sandbox{
		testnet:  testnet,
		now:      time.Now,
		balances: make(map[string]ton.Amount),
		refuse:   make(map[string]bool),
	}
}

// Fund credits an address from outside the ledger (a buyer's payment).
func (s *Sandbox) Fund(addr string, amount ton.Amount) error {
	key, err := ton.AccountKey(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[key] += amount
	return nil
}

// GetBalance returns the ledger balance; unknown and invalid addresses
// read as zero.
func (s *Sandbox) GetBalance(_ context.Context, addr string) (ton.Amount, error) {
	key, err := ton.AccountKey(addr)
	if err != nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[key], nil
}

// RefuseTransfersTo makes every payout to addr fail until cleared.
func (s *Sandbox) RefuseTransfersTo(addr string, refuse bool) {
	key, err := ton.AccountKey(addr)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if refuse {
		s.refuse[key] = true
	} else {
		delete(s.refuse, key)
	}
}

// Transfers returns the settled transfers in order.
func (s *Sandbox) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}

// Send settles a payout from the wallet controlled by key.
func (s *Sandbox) Send(ctx context.Context, key ed25519.PrivateKey, to *address.Address, amount ton.Amount) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	from, err := AddressOf(key.Public().(ed25519.PublicKey), s.testnet)
	if err != nil {
		return "", err
	}
	fromKey, err := ton.AccountKey(from)
	if err != nil {
		return "", err
	}
	toKey := to.StringRaw()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refuse[toKey] {
		return "", fmt.Errorf("%w: to %s", ErrTransferRefused, to.String())
	}
	if s.balances[fromKey] < amount {
		return "", fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientBalance, from, s.balances[fromKey], amount)
	}

	s.balances[fromKey] -= amount
	s.balances[toKey] += amount

	now := s.now()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", fromKey, toKey, amount.Nano(), len(s.transfers))))
	hash := hex.EncodeToString(sum[:])
	s.transfers = append(s.transfers, Transfer{
		Hash:   hash,
		From:   from,
		To:     to.String(),
		Amount: amount,
		At:     now,
	})
	return hash, nil
}
