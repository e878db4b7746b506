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
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/traces"
)

// progressChecks are the poll numbers after which the user gets a status
// update. Kept sparse and front-loaded.
var progressChecks = map[int]bool{1: true, 5: true, 10: true, 20: true, 40: true}

// Funding is what the monitor hands to the releaser once a balance covers
// the expected total.
type Funding struct {
	TxID          string
	UserID        string
	EscrowAddress string
	Observed      ton.Amount
}

// Releaser pays out a funded escrow.
type Releaser interface {
	Release(ctx context.Context, f Funding) (Outcome, error)
}

// Monitor runs one polling goroutine per transaction id. Goroutines live
// until funded, invalidated, exhausted or Stop.
type Monitor struct {
	settings Settings
	sessions SessionStore
	records  RecordStore
	oracle   BalanceOracle
	releaser Releaser
	notifier Notifier
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// NewMonitor creates a monitor. Funded escrows are handed to releaser.
func NewMonitor(settings Settings, sessions SessionStore, records RecordStore, oracle BalanceOracle, releaser Releaser, notifier Notifier, logger *slog.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		settings: settings,
		sessions: sessions,
		records:  records,
		oracle:   oracle,
		releaser: releaser,
		notifier: notifier,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]struct{}),
	}
}

// Watch starts polling for txID. The caller's ctx only contributes
// request-scoped values; the goroutine's lifetime is bound to the monitor.
func (m *Monitor) Watch(ctx context.Context, txID string) error {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return context.Canceled
	}
	if _, dup := m.active[txID]; dup {
		m.mu.Unlock()
		return ErrAlreadyMonitoring
	}
	m.active[txID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.MonitorsActive.Inc()
	logger := logging.FromContext(logging.WithFallback(ctx, m.logger))
	runCtx := logging.WithTransactionID(logging.WithLogger(m.ctx, logger), txID)

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.active, txID)
			m.mu.Unlock()
			metrics.MonitorsActive.Dec()
			m.wg.Done()
		}()
		m.run(runCtx, txID)
	}()
	return nil
}

// Active returns the number of running monitors.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Watching reports whether txID currently has a monitor.
func (m *Monitor) Watching(txID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[txID]
	return ok
}

// Stop cancels every monitor and waits for them to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every monitor has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

type pollResult int

const (
	pollPending pollResult = iota
	pollFunded
	pollInvalidated
	pollFailed
)

func (m *Monitor) run(ctx context.Context, txID string) {
	budget := m.settings.Budget()
	log := logging.L(ctx)
	log.Info("payment monitor started", "budget", budget, "interval", m.settings.CheckInterval)

	var last ton.Amount
	for check := 1; check <= budget; check++ {
		if check > 1 && !sleep(ctx, m.settings.CheckInterval) {
			log.Info("payment monitor cancelled", "check", check-1)
			return
		}

		switch m.safePoll(ctx, txID, check, budget, &last) {
		case pollFunded, pollInvalidated:
			return
		}
	}

	m.exhausted(ctx, txID, budget)
}

// sleep waits d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) safePoll(ctx context.Context, txID string, check, budget int, last *ton.Amount) (res pollResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorPollsTotal.WithLabelValues("panic").Inc()
			logging.L(ctx).Error("panic in payment monitor poll", "check", check, "panic", fmt.Sprint(r))
			res = pollFailed
		}
	}()
	return m.poll(ctx, txID, check, budget, last)
}

func (m *Monitor) poll(ctx context.Context, txID string, check, budget int, last *ton.Amount) pollResult {
	log := logging.L(ctx)

	rec, err := m.records.Get(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			metrics.MonitorPollsTotal.WithLabelValues("invalidated").Inc()
			log.Warn("payment monitor stopped: record gone", "check", check)
			return pollInvalidated
		}
		metrics.MonitorPollsTotal.WithLabelValues("store_error").Inc()
		log.Warn("payment monitor: record lookup failed", "check", check, "error", err)
		return pollFailed
	}

	s, err := m.sessions.Get(ctx, rec.UserID)
	if err != nil && !errors.Is(err, ErrNoSession) {
		metrics.MonitorPollsTotal.WithLabelValues("store_error").Inc()
		log.Warn("payment monitor: session lookup failed", "check", check, "error", err)
		return pollFailed
	}
	if !s.Watching(txID) {
		metrics.MonitorPollsTotal.WithLabelValues("invalidated").Inc()
		log.Info("payment monitor stopped: session invalid", "check", check)
		return pollInvalidated
	}
	if rec.Status != StatusWaitingPayment {
		metrics.MonitorPollsTotal.WithLabelValues("invalidated").Inc()
		log.Info("payment monitor stopped: record already resolved", "status", rec.Status)
		return pollInvalidated
	}

	balance, err := m.balance(ctx, rec.EscrowAddress)
	if err != nil {
		metrics.MonitorPollsTotal.WithLabelValues("oracle_error").Inc()
		log.Warn("balance check failed", "check", check, "error", err)
		return pollFailed
	}

	if balance != *last {
		log.Info("escrow balance changed", "escrow_address", rec.EscrowAddress, "from", last.String(), "to", balance.String())
		*last = balance
	}

	expected := rec.Amounts.Total()
	if balance >= expected {
		metrics.MonitorPollsTotal.WithLabelValues("funded").Inc()
		metrics.EscrowDuration.Observe(time.Since(rec.CreatedAt).Seconds())
		log.Info("payment received", "balance", balance.String(), "expected", expected.String(), "check", check)

		outcome, err := m.releaser.Release(ctx, Funding{
			TxID:          txID,
			UserID:        rec.UserID,
			EscrowAddress: rec.EscrowAddress,
			Observed:      balance,
		})
		if err != nil {
			log.Error("release finished with error", "outcome", outcome, "error", err)
		}
		return pollFunded
	}

	metrics.MonitorPollsTotal.WithLabelValues("pending").Inc()
	if progressChecks[check] && check < budget {
		m.notifier.Send(ctx, rec.UserID, progressText(expected, balance, rec.EscrowAddress, check, budget, m.settings.CheckInterval))
	}
	return pollPending
}

func (m *Monitor) balance(ctx context.Context, address string) (ton.Amount, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.balance_check", traces.EscrowAddress(address))
	defer span.End()

	if m.settings.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.OracleTimeout)
		defer cancel()
	}
	bal, err := m.oracle.GetBalance(ctx, address)
	if err != nil {
		traces.Fail(span, err)
		return 0, fmt.Errorf("%w: %w", ErrOracleTransient, err)
	}
	return bal, nil
}

// exhausted tells the user the wait is over and clears the session if it
// still belongs to txID. The record stays waiting_payment.
func (m *Monitor) exhausted(ctx context.Context, txID string, budget int) {
	log := logging.L(ctx)
	metrics.EscrowOutcomesTotal.WithLabelValues("timeout").Inc()

	rec, err := m.records.Get(ctx, txID)
	if err != nil {
		log.Error("payment monitor exhausted but record is unreadable", "error", err)
		return
	}
	s, err := m.sessions.Get(ctx, rec.UserID)
	if err != nil || !s.Watching(txID) {
		log.Info("payment monitor exhausted after session ended", "checks", budget)
		return
	}

	m.notifier.Send(ctx, rec.UserID, timeoutText(rec.EscrowAddress, m.settings.PaymentTimeout))
	if _, err := m.sessions.CompareAndDelete(ctx, rec.UserID, txID); err != nil {
		log.Warn("failed to clear timed out session", "error", err)
	}
	log.Info("payment monitor exhausted", "checks", budget, "escrow_address", rec.EscrowAddress)
}
