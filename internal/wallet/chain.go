package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	liteapi "github.com/xssnick/tonutils-go/ton"
	tonwallet "github.com/xssnick/tonutils-go/ton/wallet"

	"github.com/mbd888/tonescrow/internal/ton"
)

// Dial connects to the liteservers listed in the global config at
// configURL. The returned client retries failed queries on another server.
func Dial(ctx context.Context, configURL string) (liteapi.APIClientWrapped, error) {
	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
		return nil, fmt.Errorf("connect liteservers: %w", err)
	}
	return liteapi.NewAPIClient(pool).WithRetry(), nil
}

// LiteChain sends payouts from v4r2 wallets through liteservers. The first
// payout from an escrow wallet also deploys its contract.
type LiteChain struct {
	api tonwallet.TonAPI
}

var _ Chain = (*LiteChain)(nil)

func NewLiteChain(api tonwallet.TonAPI) *LiteChain {
	return &LiteChain{api: api}
}

// Send signs an external message for the wallet and waits until the
// transaction carrying it is on chain, so the next payout from the same
// wallet sees the advanced seqno.
func (c *LiteChain) Send(ctx context.Context, key ed25519.PrivateKey, to *address.Address, amount ton.Amount) (string, error) {
	w, err := tonwallet.FromPrivateKey(c.api, key, tonwallet.V4R2)
	if err != nil {
		return "", fmt.Errorf("open wallet: %w", err)
	}
	tx, _, err := w.SendWaitTransaction(ctx, payoutMessage(to, amount))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(tx.Hash), nil
}

// payoutMessage pays gas separately from the transferred value and ignores
// action-phase errors (send mode 3).
func payoutMessage(to *address.Address, amount ton.Amount) *tonwallet.Message {
	return &tonwallet.Message{
		Mode: tonwallet.PayGasSeparately + tonwallet.IgnoreErrors,
		InternalMessage: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      to.IsBounceable(),
			DstAddr:     to,
			Amount:      tlb.FromNanoTONU(uint64(amount.Nano())),
		},
	}
}
