package ton

import (
	"errors"
	"fmt"

	"github.com/xssnick/tonutils-go/address"
)

var ErrInvalidAddress = errors.New("ton: invalid address")

// ParseAddress decodes a 48-character user-friendly address and verifies its
// checksum.
func ParseAddress(s string) (*address.Address, error) {
	a, err := address.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return a, nil
}

// AccountKey returns the raw workchain:hex form of s. The bounceable and
// non-bounceable spellings of one account share a key.
func AccountKey(s string) (string, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.StringRaw(), nil
}

// UserFriendly renders a as a non-bounceable address, flagged testnet-only
// when testnet is set. Escrow wallets are handed out in this form so a
// payment to an undeployed wallet is not bounced back.
func UserFriendly(a *address.Address, testnet bool) string {
	out := address.NewAddress(0, byte(a.Workchain()), a.Data())
	out.SetBounce(false)
	out.SetTestnetOnly(testnet)
	return out.String()
}
