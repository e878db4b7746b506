// Package oracle reads custodial wallet balances from public indexer APIs
// and, when connected, straight from liteservers. Sources are tried in
// order; each call is
// bounded by its own timeout and each source sits behind a circuit breaker.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/tonescrow/internal/circuitbreaker"
	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/metrics"
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/traces"
	"github.com/mbd888/tonescrow/internal/validation"
)

var (
	// ErrUnavailable means no source produced a balance.
	ErrUnavailable = errors.New("oracle: all balance sources failed")
	ErrBadResponse = errors.New("oracle: malformed source response")
)

// Source is one balance backend.
type Source interface {
	Name() string
	Balance(ctx context.Context, address string) (ton.Amount, error)
}

// Config configures the default two-source oracle.
type Config struct {
	PrimaryURL  string
	FallbackURL string
	APIKey      string // sent to the primary source only
	// Timeout bounds each source call separately.
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
	// Extra sources are tried after the HTTP ones.
	Extra []Source
}

// Oracle implements escrow.BalanceOracle.
type Oracle struct {
	sources []Source
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ escrow.BalanceOracle = (*Oracle)(nil)

// New builds the tonapi-primary, toncenter-fallback oracle.
func New(cfg Config, logger *slog.Logger) *Oracle {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var sources []Source
	if cfg.PrimaryURL != "" {
		sources = append(sources, NewTonAPI(cfg.PrimaryURL, cfg.APIKey, client))
	}
	if cfg.FallbackURL != "" {
		sources = append(sources, NewTonCenter(cfg.FallbackURL, "", client))
	}
	sources = append(sources, cfg.Extra...)
	return NewWithSources(cfg.Timeout, circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown), logger, sources...)
}

// NewWithSources builds an oracle over explicit sources, tried in order.
func NewWithSources(timeout time.Duration, breaker *circuitbreaker.Breaker, logger *slog.Logger, sources ...Source) *Oracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Oracle{
		sources: sources,
		timeout: timeout,
		breaker: breaker,
		logger:  logger,
	}
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("balance source circuit changed", "source", key, "from", from.String(), "to", to.String())
	})
	return o
}

// GetBalance returns the balance of address in nano. Malformed addresses
// read as zero without any I/O.
func (o *Oracle) GetBalance(ctx context.Context, address string) (ton.Amount, error) {
	if !validation.IsValidAddress(address) {
		metrics.OracleLookupsTotal.WithLabelValues("none", "invalid_address").Inc()
		return 0, nil
	}
	log := logging.L(logging.WithFallback(ctx, o.logger))

	var lastErr error
	for _, src := range o.sources {
		name := src.Name()
		if !o.breaker.Allow(name) {
			metrics.OracleLookupsTotal.WithLabelValues(name, "skipped").Inc()
			continue
		}

		bal, err := o.query(ctx, src, address)
		if err != nil {
			o.breaker.RecordFailure(name)
			metrics.OracleLookupsTotal.WithLabelValues(name, "error").Inc()
			log.Warn("balance source failed", "source", name, "address", address, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		o.breaker.RecordSuccess(name)
		metrics.OracleLookupsTotal.WithLabelValues(name, "ok").Inc()
		return bal, nil
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	}
	return 0, ErrUnavailable
}

func (o *Oracle) query(ctx context.Context, src Source, address string) (ton.Amount, error) {
	ctx, span := traces.StartSpan(ctx, "oracle.balance", traces.Source(src.Name()), traces.EscrowAddress(address))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	bal, err := src.Balance(ctx, address)
	if err != nil {
		traces.Fail(span, err)
		return 0, err
	}
	if bal < 0 {
		err := fmt.Errorf("%w: negative balance %d", ErrBadResponse, bal.Nano())
		traces.Fail(span, err)
		return 0, err
	}
	return bal, nil
}

// Breakers exposes per-source circuit state for health reporting.
func (o *Oracle) Breakers() map[string]circuitbreaker.State {
	return o.breaker.Snapshot()
}
