package oracle

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	liteapi "github.com/xssnick/tonutils-go/ton"

	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

const liteAddr = "UQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAJKZ"

type fakeAccounts struct {
	account  *tlb.Account
	blockErr error
	err      error
	asked    []string
}

func (f *fakeAccounts) CurrentMasterchainInfo(context.Context) (*liteapi.BlockIDExt, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	return &liteapi.BlockIDExt{}, nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, _ *liteapi.BlockIDExt, addr *address.Address) (*tlb.Account, error) {
	f.asked = append(f.asked, addr.StringRaw())
	return f.account, f.err
}

func TestLiteServer_ActiveAccount(t *testing.T) {
	f := &fakeAccounts{account: &tlb.Account{
		IsActive: true,
		State: &tlb.AccountState{
			AccountStorage: tlb.AccountStorage{Balance: tlb.FromNanoTONU(1_500_000_000)},
		},
	}}
	bal, err := NewLiteServer(f).Balance(context.Background(), liteAddr)
	require.NoError(t, err)
	assert.Equal(t, ton.FromNano(1_500_000_000), bal)
	assert.Equal(t, []string{"0:0000000000000000000000000000000000000000000000000000000000000000"}, f.asked)
}

func TestLiteServer_UndeployedIsZero(t *testing.T) {
	f := &fakeAccounts{account: &tlb.Account{IsActive: false}}
	bal, err := NewLiteServer(f).Balance(context.Background(), liteAddr)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestLiteServer_BadChecksumDoesNoIO(t *testing.T) {
	f := &fakeAccounts{}
	bal, err := NewLiteServer(f).Balance(context.Background(), "UQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Zero(t, bal)
	assert.Empty(t, f.asked)
}

func TestLiteServer_Errors(t *testing.T) {
	boom := errors.New("adnl timeout")

	_, err := NewLiteServer(&fakeAccounts{blockErr: boom}).Balance(context.Background(), liteAddr)
	assert.ErrorIs(t, err, boom)

	_, err = NewLiteServer(&fakeAccounts{err: boom}).Balance(context.Background(), liteAddr)
	assert.ErrorIs(t, err, boom)
}

func TestGetBalance_LiteServerAfterHTTPSources(t *testing.T) {
	primary := newStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	lite := &fakeAccounts{account: &tlb.Account{
		IsActive: true,
		State: &tlb.AccountState{
			AccountStorage: tlb.AccountStorage{Balance: tlb.FromNanoTONU(7)},
		},
	}}

	o := New(Config{
		PrimaryURL: primary.URL,
		Timeout:    time.Second,
		Extra:      []Source{NewLiteServer(lite)},
	}, logging.Discard())

	bal, err := o.GetBalance(context.Background(), liteAddr)
	require.NoError(t, err)
	assert.Equal(t, ton.FromNano(7), bal)
	assert.Equal(t, int64(1), primary.hits.Load())
	assert.Len(t, lite.asked, 1)
}
