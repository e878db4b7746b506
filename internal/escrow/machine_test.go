package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

// newMachineEnv swaps the real monitor for a recording scheduler so session
// state stays put after creation.
func newMachineEnv(t *testing.T) (*env, *fakeScheduler) {
	t.Helper()
	e := newEnv(t, DefaultSettings(testFeeWallet))
	sched := &fakeScheduler{}
	e.machine = NewMachine(e.settings, e.sessions, e.records, NewProvisioner(e.provider), sched, logging.Discard())
	return e, sched
}

func createEscrow(t *testing.T, e *env, userID, amount string) Reply {
	t.Helper()
	ctx := context.Background()
	_, err := e.machine.Start(ctx, userID)
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: userID, Text: testSeller})
	require.NoError(t, err)
	reply, err := e.machine.HandleInput(ctx, Input{UserID: userID, Text: amount})
	require.NoError(t, err)
	return reply
}

func TestMachine_HappyPath(t *testing.T) {
	e, sched := newMachineEnv(t)
	ctx := context.Background()

	reply, err := e.machine.Start(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingSellerAddress, reply.Step)

	reply, err = e.machine.HandleInput(ctx, Input{UserID: "alice", Text: "  " + testSeller + "\n"})
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAmount, reply.Step)
	assert.Contains(t, reply.Text, testSeller)

	reply, err = e.machine.HandleInput(ctx, Input{UserID: "alice", Text: "10"})
	require.NoError(t, err)
	assert.Equal(t, StepFundedWaiting, reply.Step)
	assert.Contains(t, reply.Text, "Send exactly 10 TON")
	assert.Contains(t, reply.Text, "Service fee (5%): 0.5 TON")
	assert.Contains(t, reply.Text, "Seller receives: 9.5 TON")

	s, err := e.machine.Session(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StepFundedWaiting, s.Step)
	assert.Equal(t, testSeller, s.SellerAddress)
	assert.Equal(t, testAddress(1), s.EscrowAddress)
	require.NotEmpty(t, s.TransactionID)

	rec, err := e.records.Get(ctx, s.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingPayment, rec.Status)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, tonAmount(t, "10"), rec.Amounts.Total())
	assert.Equal(t, tonAmount(t, "0.5"), rec.Amounts.Fee())
	assert.Equal(t, tonAmount(t, "9.5"), rec.Amounts.Seller())
	assert.Equal(t, []byte("key-1"), rec.Signer)

	assert.Equal(t, []string{s.TransactionID}, sched.watched)
}

func TestMachine_StartConflictWhileWaiting(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	createEscrow(t, e, "alice", "3")
	before, err := e.machine.Session(ctx, "alice")
	require.NoError(t, err)

	reply, err := e.machine.Start(ctx, "alice")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, reply.Text, before.EscrowAddress)

	after, err := e.machine.Session(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, e.records.Len())
}

func TestMachine_StartReplacesInactiveSession(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()

	_, err := e.machine.Start(ctx, "bob")
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "bob", Text: testSeller})
	require.NoError(t, err)

	reply, err := e.machine.Start(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingSellerAddress, reply.Step)

	s, err := e.machine.Session(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, s.SellerAddress)
}

func TestMachine_SellerAddressValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "   ", ErrInvalidAddress},
		{"garbage", "not an address", ErrInvalidAddress},
		{"short", "EQabc", ErrInvalidAddress},
		{"bad prefix", "ZZ" + testSeller[2:], ErrInvalidAddress},
		{"bad checksum", "EQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", ErrInvalidAddress},
		{"fee wallet", testFeeWallet, ErrSelfDealing},
		{"fee wallet bounceable form", "EQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAM9c", ErrSelfDealing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newMachineEnv(t)
			ctx := context.Background()
			_, err := e.machine.Start(ctx, "carol")
			require.NoError(t, err)

			reply, err := e.machine.HandleInput(ctx, Input{UserID: "carol", Text: tt.input})
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, StepAwaitingSellerAddress, reply.Step)

			s, err := e.machine.Session(ctx, "carol")
			require.NoError(t, err)
			assert.Equal(t, StepAwaitingSellerAddress, s.Step)
			assert.Empty(t, s.SellerAddress)
		})
	}
}

func TestMachine_AmountValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		cause error
	}{
		{"zero", "0", ton.ErrNonPositive},
		{"negative", "-1", nil},
		{"words", "ten", nil},
		{"too precise", "1.0000000001", ton.ErrTooPrecise},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sched := newMachineEnv(t)
			ctx := context.Background()
			_, err := e.machine.Start(ctx, "dave")
			require.NoError(t, err)
			_, err = e.machine.HandleInput(ctx, Input{UserID: "dave", Text: testSeller})
			require.NoError(t, err)

			reply, err := e.machine.HandleInput(ctx, Input{UserID: "dave", Text: tt.input})
			assert.ErrorIs(t, err, ErrInvalidAmount)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
			assert.Equal(t, StepAwaitingAmount, reply.Step)
			assert.Equal(t, 0, e.records.Len())
			assert.Empty(t, sched.watched)
		})
	}
}

func TestMachine_ProvisionFailureReverts(t *testing.T) {
	e, sched := newMachineEnv(t)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, "erin")
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "erin", Text: testSeller})
	require.NoError(t, err)

	e.provider.createErr = errBoom
	reply, err := e.machine.HandleInput(ctx, Input{UserID: "erin", Text: "5"})
	assert.ErrorIs(t, err, ErrProvision)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StepAwaitingAmount, reply.Step)

	s, err := e.machine.Session(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAmount, s.Step)
	assert.True(t, s.Amounts.IsZero())
	assert.Empty(t, s.EscrowAddress)
	assert.Empty(t, s.TransactionID)
	assert.Equal(t, testSeller, s.SellerAddress)
	assert.Equal(t, 0, e.records.Len())
	assert.Empty(t, sched.watched)

	// The user can retry once the provider recovers.
	e.provider.createErr = nil
	reply, err = e.machine.HandleInput(ctx, Input{UserID: "erin", Text: "5"})
	require.NoError(t, err)
	assert.Equal(t, StepFundedWaiting, reply.Step)
}

func TestMachine_DuplicateAddressIsRejected(t *testing.T) {
	e, _ := newMachineEnv(t)
	e.provider.reuse = true
	e.provider.next = 7

	createEscrow(t, e, "frank", "1")

	ctx := context.Background()
	_, err := e.machine.Start(ctx, "grace")
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "grace", Text: testSeller})
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "grace", Text: "1"})
	assert.ErrorIs(t, err, ErrProvision)
	assert.Equal(t, 1, e.records.Len())
}

func TestMachine_StaleInput(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, "heidi")
	require.NoError(t, err)

	old := time.Now().Add(-e.settings.InputStaleness - time.Minute)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "heidi", Text: testSeller, ReceivedAt: old})
	assert.ErrorIs(t, err, ErrStaleInput)

	s, err := e.machine.Session(ctx, "heidi")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingSellerAddress, s.Step)
}

func TestMachine_ExpiredSession(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	createEscrow(t, e, "ivan", "2")
	s, err := e.machine.Session(ctx, "ivan")
	require.NoError(t, err)

	e.machine.now = func() time.Time { return time.Now().Add(e.settings.SessionTTL + time.Minute) }
	reply, err := e.machine.HandleInput(ctx, Input{UserID: "ivan", Text: "hello"})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, StepIdle, reply.Step)
	assert.Contains(t, reply.Text, s.EscrowAddress)

	_, err = e.machine.Session(ctx, "ivan")
	assert.ErrorIs(t, err, ErrNoSession)

	// The record is kept for reconciliation.
	rec, err := e.records.Get(ctx, s.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingPayment, rec.Status)
}

func TestMachine_NoSession(t *testing.T) {
	e, _ := newMachineEnv(t)
	reply, err := e.machine.HandleInput(context.Background(), Input{UserID: "judy", Text: testSeller})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, StepIdle, reply.Step)
}

func TestMachine_UnexpectedInputWhileWaiting(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	createEscrow(t, e, "ken", "4")

	reply, err := e.machine.HandleInput(ctx, Input{UserID: "ken", Text: "anything"})
	assert.ErrorIs(t, err, ErrUnexpectedInput)
	assert.Equal(t, StepFundedWaiting, reply.Step)
	assert.Equal(t, 1, e.records.Len())
}

func TestMachine_Reset(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	createEscrow(t, e, "leo", "4")
	s, err := e.machine.Session(ctx, "leo")
	require.NoError(t, err)

	reply, err := e.machine.Reset(ctx, "leo")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, s.EscrowAddress)

	_, err = e.machine.Session(ctx, "leo")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, e.records.Len())

	// Reset without a session is harmless.
	reply, err = e.machine.Reset(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, StepIdle, reply.Step)
}

func TestMachine_WatchFailureReverts(t *testing.T) {
	e, sched := newMachineEnv(t)
	sched.err = errors.New("monitor stopped")
	ctx := context.Background()
	_, err := e.machine.Start(ctx, "mia")
	require.NoError(t, err)
	_, err = e.machine.HandleInput(ctx, Input{UserID: "mia", Text: testSeller})
	require.NoError(t, err)

	reply, err := e.machine.HandleInput(ctx, Input{UserID: "mia", Text: "1"})
	assert.ErrorIs(t, err, ErrProvision)
	assert.Equal(t, StepAwaitingAmount, reply.Step)
	assert.NotContains(t, reply.Text, testAddress(1))

	s, err := e.machine.Session(ctx, "mia")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAmount, s.Step)
	assert.Empty(t, s.TransactionID)
	assert.Empty(t, s.EscrowAddress)
	assert.Equal(t, 0, e.records.Len(), "an escrow nobody watches must not be left behind")

	sched.err = nil
	reply, err = e.machine.HandleInput(ctx, Input{UserID: "mia", Text: "1"})
	require.NoError(t, err)
	assert.Equal(t, StepFundedWaiting, reply.Step)
	assert.Equal(t, 1, e.records.Len())
}

func TestMachine_Help(t *testing.T) {
	e, _ := newMachineEnv(t)
	reply := e.machine.Help()
	assert.Contains(t, reply.Text, "5% service fee")
	assert.Contains(t, reply.Text, "60 minutes")
	assert.Contains(t, reply.Text, "30 seconds")
}

func TestMachine_UsersAreIndependent(t *testing.T) {
	e, _ := newMachineEnv(t)
	ctx := context.Background()
	createEscrow(t, e, "nina", "1")

	_, err := e.machine.Start(ctx, "oscar")
	require.NoError(t, err)
	a, err := e.machine.Session(ctx, "nina")
	require.NoError(t, err)
	b, err := e.machine.Session(ctx, "oscar")
	require.NoError(t, err)
	assert.Equal(t, StepFundedWaiting, a.Step)
	assert.Equal(t, StepAwaitingSellerAddress, b.Step)
}
