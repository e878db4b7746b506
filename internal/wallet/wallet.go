// Package wallet issues custodial escrow wallets and pays out of them.
//
// Every escrow gets its own ed25519 key controlling a v4r2 wallet contract
// on the basechain. Payouts go through a Chain: LiteChain talks to TON
// liteservers, Sandbox is an in-process ledger for development.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xssnick/tonutils-go/address"
	tonwallet "github.com/xssnick/tonutils-go/ton/wallet"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidSigner  = errors.New("wallet: invalid signer key")
	ErrInvalidAddress = errors.New("wallet: invalid address")
	ErrInvalidAmount  = errors.New("wallet: invalid amount")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op   string // Operation that failed
	Hash string // Transaction hash if available
	Err  error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("wallet: %s failed (hash: %s): %v", e.Op, e.Hash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// Chain sends amount from the wallet controlled by key to `to` and returns
// the transaction hash.
type Chain interface {
	Send(ctx context.Context, key ed25519.PrivateKey, to *address.Address, amount ton.Amount) (hash string, err error)
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// DefaultSendTimeout bounds one payout including the wait for its
// transaction to land.
const DefaultSendTimeout = 90 * time.Second

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a Provider
type Config struct {
	Testnet     bool
	SendTimeout time.Duration
}

// TransferResult contains details of an accepted transfer
type TransferResult struct {
	Hash   string
	From   string
	To     string
	Amount ton.Amount
}

// Provider creates custodial wallets (one ed25519 key per escrow) and pays
// out of them through a Chain.
type Provider struct {
	cfg    Config
	chain  Chain
	logger *slog.Logger
}

// Compile-time interface check
var _ escrow.WalletProvider = (*Provider)(nil)

// New creates a Provider
func New(cfg Config, chain Chain, logger *slog.Logger) *Provider {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Provider{
		cfg:    cfg,
		chain:  chain,
		logger: logger,
	}
}

// CreateWallet generates a fresh key. The signer handed back is the 32-byte
// ed25519 seed.
func (p *Provider) CreateWallet(ctx context.Context) (escrow.Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return escrow.Wallet{}, fmt.Errorf("generate key: %w", err)
	}
	addr, err := AddressOf(pub, p.cfg.Testnet)
	if err != nil {
		return escrow.Wallet{}, err
	}
	return escrow.Wallet{Address: addr, Signer: priv.Seed()}, nil
}

// AddressFor returns the address controlled by signer.
func (p *Provider) AddressFor(signer []byte) (string, error) {
	key, err := privateKey(signer)
	if err != nil {
		return "", err
	}
	return AddressOf(key.Public().(ed25519.PublicKey), p.cfg.Testnet)
}

// AddressOf derives the non-bounceable address of the v4r2 wallet owned by
// pub (workchain 0, default subwallet).
func AddressOf(pub ed25519.PublicKey, testnet bool) (string, error) {
	a, err := tonwallet.AddressFromPubKey(pub, tonwallet.V4R2, tonwallet.DefaultSubwallet)
	if err != nil {
		return "", fmt.Errorf("derive wallet address: %w", err)
	}
	return ton.UserFriendly(a, testnet), nil
}

func privateKey(signer []byte) (ed25519.PrivateKey, error) {
	if len(signer) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSigner, ed25519.SeedSize, len(signer))
	}
	return ed25519.NewKeyFromSeed(signer), nil
}

// Transfer pays amount from the signer's wallet to `to`. Caller-input
// errors, a bad address checksum included, are returned before any I/O.
func (p *Provider) Transfer(ctx context.Context, signer []byte, to string, amount ton.Amount) (*TransferResult, error) {
	dst, err := ton.ParseAddress(to)
	if err != nil {
		return nil, &TransferError{Op: "validate", Err: fmt.Errorf("%w: %q", ErrInvalidAddress, to)}
	}
	if !amount.IsPositive() {
		return nil, &TransferError{Op: "validate", Err: fmt.Errorf("%w: %s", ErrInvalidAmount, amount)}
	}
	key, err := privateKey(signer)
	if err != nil {
		return nil, &TransferError{Op: "validate", Err: err}
	}
	from, err := AddressOf(key.Public().(ed25519.PublicKey), p.cfg.Testnet)
	if err != nil {
		return nil, &TransferError{Op: "validate", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	hash, err := p.chain.Send(ctx, key, dst, amount)
	if err != nil {
		return nil, &TransferError{Op: "send", Hash: hash, Err: err}
	}

	return &TransferResult{
		Hash:   hash,
		From:   from,
		To:     to,
		Amount: amount,
	}, nil
}

// SignAndBroadcast is Transfer reduced to accepted/not accepted. Failures
// are logged here; it never panics on bad input.
func (p *Provider) SignAndBroadcast(ctx context.Context, signer []byte, to string, amount ton.Amount) bool {
	log := logging.L(logging.WithFallback(ctx, p.logger))

	res, err := p.Transfer(ctx, signer, to, amount)
	if err != nil {
		log.Warn("transfer not accepted", "to", to, "amount", amount.String(), "error", err)
		return false
	}
	log.Info("transfer accepted", "hash", res.Hash, "from", res.From, "to", res.To, "amount", res.Amount.String())
	return true
}
