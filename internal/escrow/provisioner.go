package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/tonescrow/internal/metrics"
	"github.com/mbd888/tonescrow/internal/traces"
	"github.com/mbd888/tonescrow/internal/validation"
)

// Provisioner issues custodial wallets and guarantees that every address it
// hands out is valid and has never been handed out before by this process.
type Provisioner struct {
	provider WalletProvider

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewProvisioner wraps a wallet provider.
func NewProvisioner(provider WalletProvider) *Provisioner {
	return &Provisioner{
		provider: provider,
		issued:   make(map[string]struct{}),
	}
}

// Provision creates one wallet. Every failure is reported as ErrProvision.
func (p *Provisioner) Provision(ctx context.Context) (w Wallet, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.provision")
	defer func() {
		if err != nil {
			metrics.ProvisionFailuresTotal.Inc()
			traces.Fail(span, err)
		}
		span.End()
	}()

	w, err = p.provider.CreateWallet(ctx)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if !validation.IsValidAddress(w.Address) {
		return Wallet{}, fmt.Errorf("%w: provider returned invalid address %q", ErrProvision, w.Address)
	}
	if len(w.Signer) == 0 {
		return Wallet{}, fmt.Errorf("%w: provider returned no signer", ErrProvision)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.issued[w.Address]; dup {
		return Wallet{}, fmt.Errorf("%w: address %s was already issued", ErrProvision, w.Address)
	}
	p.issued[w.Address] = struct{}{}

	span.SetAttributes(traces.EscrowAddress(w.Address))
	return w, nil
}
