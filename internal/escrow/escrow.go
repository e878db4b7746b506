// Package escrow brokers two-party payments through single-use custodial
// addresses.
//
// Flow:
//  1. Buyer starts an escrow and names the seller address
//  2. Buyer enters the amount → fee split, custodial address issued
//  3. Monitor polls the address balance on a fixed cadence
//  4. Funded → seller leg and fee leg are paid out from the custodial wallet
//  5. Budget exhausted → buyer is told, the record stays for manual reconciliation
package escrow

import (
	"context"
	"time"

	"github.com/mbd888/tonescrow/internal/ton"
)

// Settings are fixed at process start.
type Settings struct {
	FeeRate        ton.FeeRate
	FeeWallet      string
	PaymentTimeout time.Duration
	CheckInterval  time.Duration
	SessionTTL     time.Duration
	InputStaleness time.Duration
	// OracleTimeout bounds one whole balance lookup (all sources).
	OracleTimeout time.Duration
}

// DefaultSettings mirrors the service defaults.
func DefaultSettings(feeWallet string) Settings {
	return Settings{
		FeeRate:        ton.MustFeeRate("0.05"),
		FeeWallet:      feeWallet,
		PaymentTimeout: 60 * time.Minute,
		CheckInterval:  30 * time.Second,
		SessionTTL:     30 * time.Minute,
		InputStaleness: 5 * time.Minute,
		OracleTimeout:  25 * time.Second,
	}
}

// Budget is the number of balance polls one monitor may make:
// ceil(PaymentTimeout / CheckInterval).
func (s Settings) Budget() int {
	if s.CheckInterval <= 0 {
		return 0
	}
	n := s.PaymentTimeout / s.CheckInterval
	if s.PaymentTimeout%s.CheckInterval != 0 {
		n++
	}
	return int(n)
}

// Wallet is a freshly provisioned custodial wallet. Signer is opaque to
// this package and only ever handed back to the provider that issued it.
type Wallet struct {
	Address string
	Signer  []byte
}

// WalletProvider creates custodial wallets and moves funds out of them.
type WalletProvider interface {
	CreateWallet(ctx context.Context) (Wallet, error)
	// SignAndBroadcast reports whether the transfer was accepted. It never
	// returns an error: every failure is a false.
	SignAndBroadcast(ctx context.Context, signer []byte, to string, amount ton.Amount) bool
}

// BalanceOracle reads the current balance of an address. A valid address
// that was never funded has a zero balance, not an error.
type BalanceOracle interface {
	GetBalance(ctx context.Context, address string) (ton.Amount, error)
}

// Notifier delivers text to a user. Delivery is best effort; implementations
// log their own failures.
type Notifier interface {
	Send(ctx context.Context, userID, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID, text string)

func (f NotifierFunc) Send(ctx context.Context, userID, text string) { f(ctx, userID, text) }
