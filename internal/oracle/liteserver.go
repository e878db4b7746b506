package oracle

import (
	"context"
	"fmt"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	liteapi "github.com/xssnick/tonutils-go/ton"

	"github.com/mbd888/tonescrow/internal/ton"
)

// AccountReader is the part of the liteserver API a balance lookup needs.
type AccountReader interface {
	CurrentMasterchainInfo(ctx context.Context) (*liteapi.BlockIDExt, error)
	GetAccount(ctx context.Context, block *liteapi.BlockIDExt, addr *address.Address) (*tlb.Account, error)
}

// LiteServer reads balances from the latest masterchain state. An account
// that was never deployed, or an address with a bad checksum, has a zero
// balance.
type LiteServer struct {
	api AccountReader
}

func NewLiteServer(api AccountReader) *LiteServer {
	return &LiteServer{api: api}
}

func (l *LiteServer) Name() string { return "liteserver" }

func (l *LiteServer) Balance(ctx context.Context, addr string) (ton.Amount, error) {
	a, err := ton.ParseAddress(addr)
	if err != nil {
		return 0, nil
	}
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("masterchain info: %w", err)
	}
	acc, err := l.api.GetAccount(ctx, block, a)
	if err != nil {
		return 0, fmt.Errorf("get account: %w", err)
	}
	if !acc.IsActive || acc.State == nil {
		return 0, nil
	}
	n := acc.State.Balance.Nano()
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: balance %s out of range", ErrBadResponse, n.String())
	}
	return ton.FromNano(n.Int64()), nil
}
