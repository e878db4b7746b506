package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/metrics"
	"github.com/mbd888/tonescrow/internal/syncutil"
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/traces"
)

// Outcome is the result of a release attempt.
type Outcome string

const (
	OutcomeNone         Outcome = "none"
	OutcomeReleased     Outcome = "released"      // both legs paid
	OutcomePartial      Outcome = "partial"       // seller paid, fee not
	OutcomeSellerFailed Outcome = "seller_failed" // seller not paid
)

// PayoutService pays out funded escrows. It is the only component that
// moves funds out of custodial wallets. Payouts are never retried on their
// own; RetryLegs is the operator's path.
type PayoutService struct {
	sessions  SessionStore
	records   RecordStore
	provider  WalletProvider
	oracle    BalanceOracle
	notifier  Notifier
	feeWallet string
	logger    *slog.Logger
	locks     syncutil.KeyedMutex
	now       func() time.Time

	// settled remembers transactions whose record was deleted after a full
	// payout so a late duplicate Release is not mistaken for lost data.
	settled sync.Map
}

// NewPayoutService creates the release orchestrator.
func NewPayoutService(settings Settings, sessions SessionStore, records RecordStore, provider WalletProvider, oracle BalanceOracle, notifier Notifier, logger *slog.Logger) *PayoutService {
	return &PayoutService{
		sessions:  sessions,
		records:   records,
		provider:  provider,
		oracle:    oracle,
		notifier:  notifier,
		feeWallet: settings.FeeWallet,
		logger:    logger,
		now:       time.Now,
	}
}

// Release pays the seller and fee legs of a funded escrow. Calls for the
// same transaction are serialised and only the first one that finds the
// record waiting_payment pays anything; later ones get ErrAlreadyResolved.
func (p *PayoutService) Release(ctx context.Context, f Funding) (outcome Outcome, err error) {
	ctx = logging.WithTransactionID(logging.WithUserID(logging.WithFallback(ctx, p.logger), f.UserID), f.TxID)
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.TransactionID(f.TxID), traces.UserID(f.UserID), traces.EscrowAddress(f.EscrowAddress))
	defer span.End()

	unlock, err := p.locks.LockContext(ctx, f.TxID)
	if err != nil {
		return OutcomeNone, err
	}
	defer unlock()

	if _, done := p.settled.Load(f.TxID); done {
		return OutcomeNone, ErrAlreadyResolved
	}

	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic during release", "panic", fmt.Sprint(r), "escrow_address", f.EscrowAddress)
			p.notifier.Send(ctx, f.UserID, releaseCrashText(f.EscrowAddress, f.UserID))
			outcome = OutcomeNone
			err = &ReleaseError{TxID: f.TxID, UserID: f.UserID, EscrowAddress: f.EscrowAddress,
				Err: fmt.Errorf("%w: panic: %v", ErrPayoutFailure, r)}
		}
		traces.Fail(span, err)
	}()

	rec, err := p.records.Get(ctx, f.TxID)
	if err != nil {
		metrics.EscrowOutcomesTotal.WithLabelValues("consistency_error").Inc()
		logging.L(ctx).Error("escrow record unavailable at release", "error", err, "escrow_address", f.EscrowAddress)
		p.notifier.Send(ctx, f.UserID, consistencyText(f.EscrowAddress, f.UserID))
		return OutcomeNone, &ReleaseError{TxID: f.TxID, UserID: f.UserID, EscrowAddress: f.EscrowAddress,
			Err: fmt.Errorf("%w: %w", ErrConsistency, err)}
	}
	if rec.Status != StatusWaitingPayment {
		return OutcomeNone, ErrAlreadyResolved
	}

	p.notifier.Send(ctx, rec.UserID, processingText)

	now := p.now()
	rec.FundedAt = &now
	rec.SellerPaid = p.payLeg(ctx, rec, "seller", rec.SellerAddress, rec.Amounts.Seller())
	rec.FeePaid = p.payLeg(ctx, rec, "fee", p.feeWallet, rec.Amounts.Fee())
	rec.UpdatedAt = now
	if rec.SellerPaid {
		rec.Status = StatusReleased
	} else {
		rec.Status = StatusFailed
	}

	if err := p.records.Update(ctx, rec); err != nil {
		metrics.EscrowOutcomesTotal.WithLabelValues("consistency_error").Inc()
		logging.L(ctx).Error("failed to persist payout result",
			"error", err, "seller_paid", rec.SellerPaid, "fee_paid", rec.FeePaid, "escrow_address", rec.EscrowAddress)
		p.notifier.Send(ctx, rec.UserID, releaseCrashText(rec.EscrowAddress, rec.UserID))
		return OutcomeNone, &ReleaseError{TxID: rec.TransactionID, UserID: rec.UserID, EscrowAddress: rec.EscrowAddress,
			Err: fmt.Errorf("%w: persist payout result: %w", ErrConsistency, err)}
	}

	outcome = p.settle(ctx, rec)
	if outcome == OutcomeSellerFailed {
		return outcome, &ReleaseError{TxID: rec.TransactionID, UserID: rec.UserID, EscrowAddress: rec.EscrowAddress,
			Err: fmt.Errorf("%w: seller leg", ErrPayoutFailure)}
	}
	return outcome, nil
}

// payLeg broadcasts one leg. A zero leg (e.g. a 0% fee) counts as paid.
func (p *PayoutService) payLeg(ctx context.Context, rec *Record, leg, to string, amount ton.Amount) bool {
	if amount == 0 {
		return true
	}
	ctx, span := traces.StartSpan(ctx, "escrow.payout", traces.Leg(leg), traces.Amount(amount.String()))
	defer span.End()

	ok := p.provider.SignAndBroadcast(ctx, rec.Signer, to, amount)
	result := "ok"
	if !ok {
		result = "failed"
		traces.Fail(span, fmt.Errorf("%s leg not accepted", leg))
		logging.L(ctx).Warn("payout leg failed", "leg", leg, "to", to, "amount", amount.String(), "escrow_address", rec.EscrowAddress)
	}
	metrics.PayoutLegsTotal.WithLabelValues(leg, result).Inc()
	return ok
}

// settle notifies the user and cleans up according to the legs' outcome.
// The record has already been updated.
func (p *PayoutService) settle(ctx context.Context, rec *Record) Outcome {
	log := logging.L(ctx)

	switch {
	case rec.SellerPaid && rec.FeePaid:
		metrics.EscrowOutcomesTotal.WithLabelValues(string(OutcomeReleased)).Inc()
		p.notifier.Send(ctx, rec.UserID, releasedText(rec))
		p.clearSession(ctx, rec)
		p.forget(ctx, rec.TransactionID)
		log.Info("escrow released", "seller", rec.SellerAddress, "total", rec.Amounts.Total().String())
		return OutcomeReleased

	case rec.SellerPaid:
		metrics.EscrowOutcomesTotal.WithLabelValues(string(OutcomePartial)).Inc()
		p.notifier.Send(ctx, rec.UserID, partialText(rec))
		p.clearSession(ctx, rec)
		log.Warn("escrow released without fee", "fee", rec.Amounts.Fee().String(), "escrow_address", rec.EscrowAddress)
		return OutcomePartial

	default:
		metrics.EscrowOutcomesTotal.WithLabelValues(string(OutcomeSellerFailed)).Inc()
		p.notifier.Send(ctx, rec.UserID, sellerFailedText(rec))
		p.markReleaseFailed(ctx, rec)
		log.Error("seller payout failed; funds held for manual release",
			"escrow_address", rec.EscrowAddress, "fee_paid", rec.FeePaid)
		return OutcomeSellerFailed
	}
}

// forget deletes a fully paid record.
func (p *PayoutService) forget(ctx context.Context, txID string) {
	p.settled.Store(txID, struct{}{})
	if err := p.records.Delete(ctx, txID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		logging.L(ctx).Warn("failed to delete settled record", "error", err)
	}
}

func (p *PayoutService) clearSession(ctx context.Context, rec *Record) {
	if _, err := p.sessions.CompareAndDelete(ctx, rec.UserID, rec.TransactionID); err != nil {
		logging.L(ctx).Warn("failed to clear session after release", "error", err)
	}
}

// markReleaseFailed keeps the user's session for support, moved out of the
// active steps so the user can start again.
func (p *PayoutService) markReleaseFailed(ctx context.Context, rec *Record) {
	now := p.now()
	_, err := p.sessions.CompareAndUpdate(ctx, rec.UserID, rec.TransactionID, func(s *Session) {
		s.Step = StepReleaseFailed
		s.UpdatedAt = now
	})
	if err != nil {
		logging.L(ctx).Warn("failed to mark session release_failed", "error", err)
	}
}

// Reconcile checks the balance of a waiting record and releases it if it is
// funded. It is the manual path for payments that arrive after the monitor
// gave up.
func (p *PayoutService) Reconcile(ctx context.Context, txID string) (Outcome, error) {
	ctx = logging.WithTransactionID(logging.WithFallback(ctx, p.logger), txID)

	rec, err := p.records.Get(ctx, txID)
	if err != nil {
		return OutcomeNone, err
	}
	if rec.Status != StatusWaitingPayment {
		return OutcomeNone, ErrAlreadyResolved
	}

	balance, err := p.oracle.GetBalance(ctx, rec.EscrowAddress)
	if err != nil {
		return OutcomeNone, fmt.Errorf("%w: %w", ErrOracleTransient, err)
	}
	if balance < rec.Amounts.Total() {
		logging.L(ctx).Info("reconcile: not funded", "balance", balance.String(), "expected", rec.Amounts.Total().String())
		return OutcomeNone, fmt.Errorf("%w: balance %s of %s", ErrNotFunded, balance, rec.Amounts.Total())
	}

	return p.Release(ctx, Funding{
		TxID:          rec.TransactionID,
		UserID:        rec.UserID,
		EscrowAddress: rec.EscrowAddress,
		Observed:      balance,
	})
}

// RetryLegs pays whichever legs of a released or failed record are still
// unpaid. Status only moves forward; a fully paid record is deleted.
func (p *PayoutService) RetryLegs(ctx context.Context, txID string) (Outcome, error) {
	ctx = logging.WithTransactionID(logging.WithFallback(ctx, p.logger), txID)
	ctx, span := traces.StartSpan(ctx, "escrow.retry_legs", traces.TransactionID(txID))
	defer span.End()

	unlock, err := p.locks.LockContext(ctx, txID)
	if err != nil {
		return OutcomeNone, err
	}
	defer unlock()

	rec, err := p.records.Get(ctx, txID)
	if err != nil {
		return OutcomeNone, err
	}
	if rec.Status == StatusWaitingPayment {
		return OutcomeNone, fmt.Errorf("%w: record is still waiting for payment, reconcile it instead", ErrInvalidTransition)
	}

	sellerBefore := rec.SellerPaid
	if !rec.SellerPaid {
		rec.SellerPaid = p.payLeg(ctx, rec, "seller", rec.SellerAddress, rec.Amounts.Seller())
	}
	if !rec.FeePaid {
		rec.FeePaid = p.payLeg(ctx, rec, "fee", p.feeWallet, rec.Amounts.Fee())
	}
	if rec.SellerPaid {
		rec.Status = StatusReleased
	}
	rec.UpdatedAt = p.now()

	if err := p.records.Update(ctx, rec); err != nil {
		traces.Fail(span, err)
		logging.L(ctx).Error("failed to persist retried payout",
			"error", err, "seller_paid", rec.SellerPaid, "fee_paid", rec.FeePaid, "escrow_address", rec.EscrowAddress)
		return OutcomeNone, &ReleaseError{TxID: rec.TransactionID, UserID: rec.UserID, EscrowAddress: rec.EscrowAddress,
			Err: fmt.Errorf("%w: %w", ErrConsistency, err)}
	}

	if rec.SellerPaid && !sellerBefore {
		p.notifier.Send(ctx, rec.UserID, retryCompletedText(rec))
		p.clearSession(ctx, rec)
	}

	switch {
	case rec.Settled():
		p.forget(ctx, rec.TransactionID)
		logging.L(ctx).Info("retry settled escrow")
		return OutcomeReleased, nil
	case rec.SellerPaid:
		return OutcomePartial, nil
	default:
		err := &ReleaseError{TxID: rec.TransactionID, UserID: rec.UserID, EscrowAddress: rec.EscrowAddress,
			Err: fmt.Errorf("%w: seller leg", ErrPayoutFailure)}
		traces.Fail(span, err)
		return OutcomeSellerFailed, err
	}
}

var _ Releaser = (*PayoutService)(nil)
