package escrow

import (
	"errors"
	"fmt"
)

// User-correctable input errors. All of them satisfy
// errors.Is(err, ErrInvalidInput).
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidAddress  = fmt.Errorf("%w: invalid address", ErrInvalidInput)
	ErrInvalidAmount   = fmt.Errorf("%w: invalid amount", ErrInvalidInput)
	ErrSelfDealing     = fmt.Errorf("%w: seller address is the service fee address", ErrInvalidInput)
	ErrUnexpectedInput = fmt.Errorf("%w: no input expected at this step", ErrInvalidInput)
)

var (
	ErrConflict        = errors.New("an escrow is already in progress")
	ErrProvision       = errors.New("escrow wallet provisioning failed")
	ErrOracleTransient = errors.New("balance lookup failed")
	ErrPayoutFailure   = errors.New("payout failed")
	ErrConsistency     = errors.New("escrow record missing or unreadable")
)

// Delivery and lifecycle errors.
var (
	ErrStaleInput        = errors.New("input is too old")
	ErrNoSession         = errors.New("no escrow session")
	ErrSessionExpired    = errors.New("escrow session expired")
	ErrAlreadyMonitoring = errors.New("transaction is already being monitored")
	ErrAlreadyResolved   = errors.New("escrow already resolved")
	ErrNotFunded         = errors.New("escrow address is not funded")
	ErrRecordNotFound    = errors.New("escrow record not found")
	ErrDuplicateRecord   = errors.New("escrow record already exists")
	ErrInvalidTransition = errors.New("invalid escrow record transition")
)

// ReleaseError carries what an operator needs to recover funds by hand.
type ReleaseError struct {
	TxID          string
	UserID        string
	EscrowAddress string
	Err           error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release %s (user %s, address %s): %v", e.TxID, e.UserID, e.EscrowAddress, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }
