package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tonescrow/internal/idgen"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/metrics"
	"github.com/mbd888/tonescrow/internal/syncutil"
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/traces"
	"github.com/mbd888/tonescrow/internal/validation"
)

// Input is one text message from a user.
type Input struct {
	UserID     string
	Text       string
	ReceivedAt time.Time // zero means "now"
}

// Scheduler starts payment monitoring for a transaction.
type Scheduler interface {
	Watch(ctx context.Context, txID string) error
}

// Machine drives escrow sessions through their steps. All calls for one
// user are serialised; calls for different users run concurrently.
type Machine struct {
	settings    Settings
	sessions    SessionStore
	records     RecordStore
	provisioner *Provisioner
	monitor     Scheduler
	logger      *slog.Logger
	locks       syncutil.KeyedMutex
	now         func() time.Time
}

// NewMachine creates the escrow state machine.
func NewMachine(settings Settings, sessions SessionStore, records RecordStore, provisioner *Provisioner, monitor Scheduler, logger *slog.Logger) *Machine {
	return &Machine{
		settings:    settings,
		sessions:    sessions,
		records:     records,
		provisioner: provisioner,
		monitor:     monitor,
		logger:      logger,
		now:         time.Now,
	}
}

func (m *Machine) scope(ctx context.Context, userID string) context.Context {
	return logging.WithUserID(logging.WithFallback(ctx, m.logger), userID)
}

// Help returns the "how it works" text.
func (m *Machine) Help() Reply {
	return Reply{Text: helpText(m.settings), Step: StepIdle}
}

// Start opens a new session, replacing any earlier inactive one. A session
// that is provisioning or waiting for funds is left untouched and
// ErrConflict is returned.
func (m *Machine) Start(ctx context.Context, userID string) (Reply, error) {
	ctx = m.scope(ctx, userID)
	unlock := m.locks.Lock(userID)
	defer unlock()

	cur, err := m.sessions.Get(ctx, userID)
	switch {
	case err == nil && cur.Step.Active():
		metrics.InputsTotal.WithLabelValues("conflict").Inc()
		return Reply{Text: conflictText(cur), Step: cur.Step}, ErrConflict
	case err != nil && !errors.Is(err, ErrNoSession):
		return Reply{}, fmt.Errorf("load session: %w", err)
	}

	now := m.now()
	s := &Session{
		UserID:    userID,
		Step:      StepAwaitingSellerAddress,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.Put(ctx, s); err != nil {
		return Reply{}, fmt.Errorf("store session: %w", err)
	}
	logging.L(ctx).Info("escrow session started")
	return Reply{Text: promptSellerText(), Step: s.Step}, nil
}

// Reset deletes the user's session, whatever its step. A monitor watching
// it stops at its next poll; the record is kept.
func (m *Machine) Reset(ctx context.Context, userID string) (Reply, error) {
	ctx = m.scope(ctx, userID)
	unlock := m.locks.Lock(userID)
	defer unlock()

	prev, err := m.sessions.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	if err := m.sessions.Delete(ctx, userID); err != nil {
		return Reply{}, fmt.Errorf("delete session: %w", err)
	}
	if prev != nil && prev.TransactionID != "" {
		logging.L(ctx).Info("escrow session reset", "transaction_id", prev.TransactionID, "step", prev.Step)
	}
	return Reply{Text: resetText(prev), Step: StepIdle}, nil
}

// Session returns the user's current session.
func (m *Machine) Session(ctx context.Context, userID string) (*Session, error) {
	return m.sessions.Get(ctx, userID)
}

// HandleInput applies one user message to the user's session.
func (m *Machine) HandleInput(ctx context.Context, in Input) (Reply, error) {
	ctx = m.scope(ctx, in.UserID)
	now := m.now()
	if !in.ReceivedAt.IsZero() && now.Sub(in.ReceivedAt) > m.settings.InputStaleness {
		metrics.InputsTotal.WithLabelValues("stale").Inc()
		return Reply{Text: staleText}, ErrStaleInput
	}

	unlock := m.locks.Lock(in.UserID)
	defer unlock()

	s, err := m.sessions.Get(ctx, in.UserID)
	if errors.Is(err, ErrNoSession) {
		metrics.InputsTotal.WithLabelValues("no_session").Inc()
		return Reply{Text: noSessionText, Step: StepIdle}, ErrNoSession
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}

	if s.Expired(now, m.settings.SessionTTL) {
		if err := m.sessions.Delete(ctx, in.UserID); err != nil {
			return Reply{}, fmt.Errorf("delete expired session: %w", err)
		}
		metrics.InputsTotal.WithLabelValues("expired").Inc()
		logging.L(ctx).Info("escrow session expired", "step", s.Step, "transaction_id", s.TransactionID)
		return Reply{Text: expiredText(s, m.settings.SessionTTL), Step: StepIdle}, ErrSessionExpired
	}

	var reply Reply
	switch s.Step {
	case StepAwaitingSellerAddress:
		reply, err = m.acceptSeller(ctx, s, in.Text)
	case StepAwaitingAmount:
		reply, err = m.acceptAmount(ctx, s, in.Text)
	default:
		reply, err = Reply{Text: unexpectedText(s), Step: s.Step}, ErrUnexpectedInput
	}

	switch {
	case err == nil:
		metrics.InputsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrInvalidInput):
		metrics.InputsTotal.WithLabelValues("invalid").Inc()
	case errors.Is(err, ErrProvision):
		metrics.InputsTotal.WithLabelValues("provision_failed").Inc()
	}
	return reply, err
}

func (m *Machine) acceptSeller(ctx context.Context, s *Session, text string) (Reply, error) {
	addr, err := validation.CleanAddress(text)
	if err != nil {
		return Reply{Text: invalidAddressText(errors.Is(err, validation.ErrEmptyInput)), Step: s.Step}, ErrInvalidAddress
	}
	seller, err := ton.ParseAddress(addr)
	if err != nil {
		return Reply{Text: invalidAddressText(false), Step: s.Step}, ErrInvalidAddress
	}
	if m.isFeeWallet(addr, seller.StringRaw()) {
		return Reply{Text: selfDealText, Step: s.Step}, ErrSelfDealing
	}

	next := *s
	next.SellerAddress = addr
	next.Step = StepAwaitingAmount
	next.UpdatedAt = m.now()
	if err := m.sessions.Put(ctx, &next); err != nil {
		return Reply{}, fmt.Errorf("store session: %w", err)
	}
	return Reply{Text: promptAmountText(addr), Step: next.Step}, nil
}

// isFeeWallet matches either spelling of the fee account.
func (m *Machine) isFeeWallet(addr, account string) bool {
	if addr == m.settings.FeeWallet {
		return true
	}
	fee, err := ton.AccountKey(m.settings.FeeWallet)
	return err == nil && fee == account
}

func (m *Machine) acceptAmount(ctx context.Context, s *Session, text string) (Reply, error) {
	total, err := ton.ParseAmount(validation.SanitizeInput(text, validation.MaxAmountInput))
	if err != nil {
		return Reply{Text: invalidAmountText(err), Step: s.Step}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.UserID(s.UserID), traces.Amount(total.String()))
	defer span.End()

	pending := *s
	pending.Amounts = ton.Split(total, m.settings.FeeRate)
	pending.Step = StepProvisioning
	pending.UpdatedAt = m.now()
	if err := m.sessions.Put(ctx, &pending); err != nil {
		return Reply{}, fmt.Errorf("store session: %w", err)
	}

	w, err := m.provisioner.Provision(ctx)
	if err != nil {
		traces.Fail(span, err)
		return m.revertProvisioning(ctx, s, err)
	}

	now := m.now()
	txID := idgen.Transaction()
	rec := &Record{
		TransactionID: txID,
		UserID:        s.UserID,
		SellerAddress: s.SellerAddress,
		EscrowAddress: w.Address,
		Signer:        w.Signer,
		Amounts:       pending.Amounts,
		Status:        StatusWaitingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.records.Create(ctx, rec); err != nil {
		traces.Fail(span, err)
		return m.revertProvisioning(ctx, s, fmt.Errorf("%w: persist record: %w", ErrProvision, err))
	}

	funded := pending
	funded.Step = StepFundedWaiting
	funded.TransactionID = txID
	funded.EscrowAddress = w.Address
	funded.UpdatedAt = now
	if err := m.sessions.Put(ctx, &funded); err != nil {
		_ = m.records.Delete(ctx, txID)
		return m.revertProvisioning(ctx, s, fmt.Errorf("%w: store session: %w", ErrProvision, err))
	}

	if err := m.monitor.Watch(ctx, txID); err != nil {
		traces.Fail(span, err)
		// The address was never shown to the user, so nothing can be paid into it.
		_ = m.records.Delete(ctx, txID)
		return m.revertProvisioning(ctx, s, fmt.Errorf("%w: start payment monitor: %w", ErrProvision, err))
	}

	span.SetAttributes(traces.TransactionID(txID), traces.EscrowAddress(w.Address))
	metrics.EscrowsCreatedTotal.Inc()
	logging.L(ctx).Info("escrow created",
		"transaction_id", txID,
		"escrow_address", w.Address,
		"total", pending.Amounts.Total().String(),
		"fee", pending.Amounts.Fee().String(),
	)
	return Reply{Text: createdText(&funded, m.settings), Step: funded.Step}, nil
}

// revertProvisioning puts the session back at awaiting_amount with the
// amounts cleared so the user can retry.
func (m *Machine) revertProvisioning(ctx context.Context, s *Session, cause error) (Reply, error) {
	logging.L(ctx).Warn("escrow provisioning failed", "error", cause)

	back := *s
	back.Step = StepAwaitingAmount
	back.Amounts = ton.Breakdown{}
	back.TransactionID = ""
	back.EscrowAddress = ""
	back.UpdatedAt = m.now()
	if err := m.sessions.Put(ctx, &back); err != nil {
		return Reply{}, fmt.Errorf("restore session after provisioning failure: %w", err)
	}
	if !errors.Is(cause, ErrProvision) {
		cause = fmt.Errorf("%w: %w", ErrProvision, cause)
	}
	return Reply{Text: provisionText, Step: back.Step}, cause
}
