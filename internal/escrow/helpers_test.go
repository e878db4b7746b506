package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

const (
	testFeeWallet = "UQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAJKZ"
	testSeller    = "EQBeXl5eXl5eXl5eXl5eXl5eXl5eXl5eXl5eXl5eXl5eXlEW"
)

func testAddress(n int) string {
	return fmt.Sprintf("EQ%046d", n)
}

type transfer struct {
	Signer string
	To     string
	Amount ton.Amount
}

// fakeProvider issues sequential addresses and records every transfer.
type fakeProvider struct {
	mu        sync.Mutex
	next      int
	createErr error
	reuse     bool
	failTo    map[string]bool
	transfers []transfer
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failTo: make(map[string]bool)}
}

func (f *fakeProvider) CreateWallet(context.Context) (Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Wallet{}, f.createErr
	}
	if !f.reuse {
		f.next++
	}
	return Wallet{Address: testAddress(f.next), Signer: []byte(fmt.Sprintf("key-%d", f.next))}, nil
}

func (f *fakeProvider) SignAndBroadcast(_ context.Context, signer []byte, to string, amount ton.Amount) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return false
	}
	f.transfers = append(f.transfers, transfer{Signer: string(signer), To: to, Amount: amount})
	return true
}

func (f *fakeProvider) setFail(to string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTo[to] = fail
}

func (f *fakeProvider) Transfers() []transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer(nil), f.transfers...)
}

// fakeOracle serves balances from a map.
type fakeOracle struct {
	mu       sync.Mutex
	balances map[string]ton.Amount
	err      error
	calls    atomic.Int64
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{balances: make(map[string]ton.Amount)}
}

func (f *fakeOracle) GetBalance(_ context.Context, addr string) (ton.Amount, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[addr], nil
}

func (f *fakeOracle) set(addr string, a ton.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = a
}

// inbox collects notifications per user.
type inbox struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newInbox() *inbox {
	return &inbox{msgs: make(map[string][]string)}
}

func (i *inbox) Send(_ context.Context, userID, text string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs[userID] = append(i.msgs[userID], text)
}

func (i *inbox) For(userID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs[userID]...)
}

func (i *inbox) Count(userID, substr string) int {
	n := 0
	for _, m := range i.For(userID) {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// fakeScheduler records Watch calls without polling.
type fakeScheduler struct {
	mu      sync.Mutex
	watched []string
	err     error
}

func (f *fakeScheduler) Watch(_ context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, txID)
	return f.err
}

// env wires the escrow components against fakes.
type env struct {
	settings Settings
	sessions *MemorySessionStore
	records  *MemoryRecordStore
	provider *fakeProvider
	oracle   *fakeOracle
	inbox    *inbox
	payouts  *PayoutService
	monitor  *Monitor
	machine  *Machine
}

func fastSettings() Settings {
	s := DefaultSettings(testFeeWallet)
	s.CheckInterval = time.Millisecond
	s.PaymentTimeout = 5 * time.Millisecond
	s.OracleTimeout = time.Second
	return s
}

func newEnv(t *testing.T, settings Settings) *env {
	t.Helper()
	e := &env{
		settings: settings,
		sessions: NewMemorySessionStore(),
		records:  NewMemoryRecordStore(),
		provider: newFakeProvider(),
		oracle:   newFakeOracle(),
		inbox:    newInbox(),
	}
	logger := logging.Discard()
	e.payouts = NewPayoutService(settings, e.sessions, e.records, e.provider, e.oracle, e.inbox, logger)
	e.monitor = NewMonitor(settings, e.sessions, e.records, e.oracle, e.payouts, e.inbox, logger)
	e.machine = NewMachine(settings, e.sessions, e.records, NewProvisioner(e.provider), e.monitor, logger)
	t.Cleanup(e.monitor.Stop)
	return e
}

// seed stores a funded_waiting session and its record without starting a
// monitor.
func (e *env) seed(t *testing.T, userID string, total string, n int) *Record {
	t.Helper()
	ctx := context.Background()

	amount, err := ton.ParseAmount(total)
	require.NoError(t, err)
	now := time.Now()
	rec := &Record{
		TransactionID: fmt.Sprintf("tx_seed_%d", n),
		UserID:        userID,
		SellerAddress: testSeller,
		EscrowAddress: testAddress(1000 + n),
		Signer:        []byte("seed-key"),
		Amounts:       ton.Split(amount, e.settings.FeeRate),
		Status:        StatusWaitingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, e.records.Create(ctx, rec))
	require.NoError(t, e.sessions.Put(ctx, &Session{
		UserID:        userID,
		Step:          StepFundedWaiting,
		SellerAddress: rec.SellerAddress,
		Amounts:       rec.Amounts,
		TransactionID: rec.TransactionID,
		EscrowAddress: rec.EscrowAddress,
		StartedAt:     now,
		UpdatedAt:     now,
	}))
	return rec
}

var errBoom = errors.New("boom")

func tonAmount(t *testing.T, s string) ton.Amount {
	t.Helper()
	a, err := ton.ParseAmount(s)
	require.NoError(t, err)
	return a
}
