// Package idgen generates identifiers for escrow transactions and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TransactionPrefix marks escrow transaction ids.
const TransactionPrefix = "tx_"

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "tx_6f1c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Transaction returns a new escrow transaction id.
func Transaction() string {
	return WithPrefix(TransactionPrefix)
}

// IsTransaction reports whether id has the shape produced by Transaction.
func IsTransaction(id string) bool {
	rest, ok := strings.CutPrefix(id, TransactionPrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
