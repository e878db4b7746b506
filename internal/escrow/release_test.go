package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

func fundingOf(rec *Record) Funding {
	return Funding{
		TxID:          rec.TransactionID,
		UserID:        rec.UserID,
		EscrowAddress: rec.EscrowAddress,
		Observed:      rec.Amounts.Total(),
	}
}

func TestRelease_BothLegs(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "alice", "10", 1)

	outcome, err := e.payouts.Release(ctx, fundingOf(rec))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	assert.Len(t, e.provider.Transfers(), 2)
	_, err = e.records.Get(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = e.sessions.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNoSession)

	msgs := e.inbox.For("alice")
	require.Len(t, msgs, 2)
	assert.Equal(t, processingText, msgs[0])
	assert.Contains(t, msgs[1], "Sent to seller: 9.5 TON")
	assert.Contains(t, msgs[1], "Service fee: 0.5 TON")
}

func TestRelease_FeeLegFails(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "bob", "10", 1)
	e.provider.setFail(testFeeWallet, true)

	outcome, err := e.payouts.Release(ctx, fundingOf(rec))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, outcome)

	got, err := e.records.Get(ctx, rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.True(t, got.SellerPaid)
	assert.False(t, got.FeePaid)
	assert.NotNil(t, got.FundedAt)

	_, err = e.sessions.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, e.inbox.Count("bob", "Partial success"))
}

func TestRelease_SellerLegFails(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "carol", "10", 1)
	e.provider.setFail(testSeller, true)

	outcome, err := e.payouts.Release(ctx, fundingOf(rec))
	assert.Equal(t, OutcomeSellerFailed, outcome)
	assert.ErrorIs(t, err, ErrPayoutFailure)
	var relErr *ReleaseError
	require.True(t, errors.As(err, &relErr))
	assert.Equal(t, rec.EscrowAddress, relErr.EscrowAddress)
	assert.Equal(t, "carol", relErr.UserID)

	got, err := e.records.Get(ctx, rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.False(t, got.SellerPaid)
	assert.True(t, got.FeePaid, "the fee leg is attempted independently")

	s, err := e.sessions.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, StepReleaseFailed, s.Step)
	assert.Equal(t, 1, e.inbox.Count("carol", rec.EscrowAddress))

	// release_failed does not block a new escrow.
	_, err = e.machine.Start(ctx, "carol")
	require.NoError(t, err)
}

// restartingSessions lets the user reset and start a new escrow just before
// the release writes the session back.
type restartingSessions struct {
	*MemorySessionStore
	restart func()
}

func (r *restartingSessions) Get(ctx context.Context, userID string) (*Session, error) {
	s, err := r.MemorySessionStore.Get(ctx, userID)
	r.restart()
	return s, err
}

func (r *restartingSessions) CompareAndUpdate(ctx context.Context, userID, txID string, fn func(*Session)) (bool, error) {
	r.restart()
	return r.MemorySessionStore.CompareAndUpdate(ctx, userID, txID, fn)
}

func TestRelease_SellerFailureKeepsRestartedSession(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "carla", "10", 1)
	e.provider.setFail(testSeller, true)

	var once sync.Once
	sessions := &restartingSessions{MemorySessionStore: e.sessions}
	sessions.restart = func() {
		once.Do(func() {
			_, err := e.machine.Reset(ctx, "carla")
			require.NoError(t, err)
			_, err = e.machine.Start(ctx, "carla")
			require.NoError(t, err)
		})
	}
	payouts := NewPayoutService(e.settings, sessions, e.records, e.provider, e.oracle, e.inbox, logging.Discard())

	outcome, err := payouts.Release(ctx, fundingOf(rec))
	assert.Equal(t, OutcomeSellerFailed, outcome)
	assert.ErrorIs(t, err, ErrPayoutFailure)

	s, err := e.sessions.Get(ctx, "carla")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingSellerAddress, s.Step, "the new session must not be overwritten")
	assert.Empty(t, s.TransactionID)
}

func TestMemorySessionStore_CompareAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	require.NoError(t, store.Put(ctx, &Session{UserID: "u1", Step: StepFundedWaiting, TransactionID: "tx_1"}))

	updated, err := store.CompareAndUpdate(ctx, "u1", "tx_other", func(s *Session) { s.Step = StepReleaseFailed })
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = store.CompareAndUpdate(ctx, "missing", "tx_1", func(s *Session) { s.Step = StepReleaseFailed })
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = store.CompareAndUpdate(ctx, "u1", "tx_1", func(s *Session) { s.Step = StepReleaseFailed })
	require.NoError(t, err)
	assert.True(t, updated)
	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StepReleaseFailed, got.Step)
	assert.Equal(t, "tx_1", got.TransactionID)
}

func TestRelease_OnlyOnce(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	rec := e.seed(t, "dave", "1", 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released int
		resolved int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := e.payouts.Release(context.Background(), fundingOf(rec))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome == OutcomeReleased:
				released++
			case errors.Is(err, ErrAlreadyResolved):
				resolved++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, released)
	assert.Equal(t, 7, resolved)
	assert.Len(t, e.provider.Transfers(), 2)
	assert.Zero(t, e.inbox.Count("dave", "Critical error"))
}

func TestRelease_MissingRecord(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))

	outcome, err := e.payouts.Release(context.Background(), Funding{
		TxID:          "tx_missing",
		UserID:        "erin",
		EscrowAddress: testAddress(5),
	})
	assert.Equal(t, OutcomeNone, outcome)
	assert.ErrorIs(t, err, ErrConsistency)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Equal(t, 1, e.inbox.Count("erin", "Critical error"))
	assert.Empty(t, e.provider.Transfers())
}

func TestRelease_ZeroFeeRate(t *testing.T) {
	settings := DefaultSettings(testFeeWallet)
	settings.FeeRate = ton.MustFeeRate("0")
	e := newEnv(t, settings)
	rec := e.seed(t, "frank", "2", 1)

	outcome, err := e.payouts.Release(context.Background(), fundingOf(rec))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	transfers := e.provider.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testSeller, transfers[0].To)
	assert.Equal(t, tonAmount(t, "2"), transfers[0].Amount)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "grace", "4", 1)

	_, err := e.payouts.Reconcile(ctx, "tx_unknown")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	outcome, err := e.payouts.Reconcile(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrNotFunded)
	assert.Equal(t, OutcomeNone, outcome)

	e.oracle.err = errBoom
	_, err = e.payouts.Reconcile(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrOracleTransient)
	e.oracle.err = nil

	// Funds arrive after the monitor gave up and the session is gone.
	require.NoError(t, e.sessions.Delete(ctx, "grace"))
	e.oracle.set(rec.EscrowAddress, rec.Amounts.Total())
	outcome, err = e.payouts.Reconcile(ctx, rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)
	assert.Len(t, e.provider.Transfers(), 2)
	assert.Equal(t, 1, e.inbox.Count("grace", "Escrow completed"))
}

func TestReconcile_AlreadyResolved(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "heidi", "4", 1)
	e.provider.setFail(testSeller, true)
	_, _ = e.payouts.Release(ctx, fundingOf(rec))

	_, err := e.payouts.Reconcile(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRetryLegs_SellerFailure(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "ivan", "10", 1)

	_, err := e.payouts.RetryLegs(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "waiting records are reconciled, not retried")

	e.provider.setFail(testSeller, true)
	_, err = e.payouts.Release(ctx, fundingOf(rec))
	require.ErrorIs(t, err, ErrPayoutFailure)

	// Still failing: nothing changes.
	outcome, err := e.payouts.RetryLegs(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrPayoutFailure)
	assert.Equal(t, OutcomeSellerFailed, outcome)

	e.provider.setFail(testSeller, false)
	outcome, err = e.payouts.RetryLegs(ctx, rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	// fee once in Release, seller once in the retry
	transfers := e.provider.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, testFeeWallet, transfers[0].To)
	assert.Equal(t, testSeller, transfers[1].To)

	_, err = e.records.Get(ctx, rec.TransactionID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = e.sessions.Get(ctx, "ivan")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, e.inbox.Count("ivan", "Support completed"))
}

func TestRetryLegs_FeeOnly(t *testing.T) {
	e := newEnv(t, DefaultSettings(testFeeWallet))
	ctx := context.Background()
	rec := e.seed(t, "judy", "10", 1)
	e.provider.setFail(testFeeWallet, true)
	outcome, err := e.payouts.Release(ctx, fundingOf(rec))
	require.NoError(t, err)
	require.Equal(t, OutcomePartial, outcome)

	e.provider.setFail(testFeeWallet, false)
	outcome, err = e.payouts.RetryLegs(ctx, rec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	transfers := e.provider.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, tonAmount(t, "0.5"), transfers[1].Amount)
	assert.Zero(t, e.inbox.Count("judy", "Support completed"), "the seller was already paid")
}
