// Package ledger defines the contract against the authoritative balance
// ledger. The marketplace never mutates balances itself; every fund movement
// goes through a Gateway, and every mutating call carries an idempotency key
// so it is safe to retry.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds means the owner's available balance cannot cover
	// the requested hold.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnknownHold means the hold reference does not exist on the ledger.
	ErrUnknownHold = errors.New("ledger: unknown hold")

	// ErrUnavailable is a transient infrastructure fault. Callers may retry
	// the same call with the same idempotency key.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// HoldRef identifies funds held on the ledger.
type HoldRef string

// Gateway is the authoritative source of truth for balances and holds.
// Hold moves funds from the owner's available balance into a hold; Transfer
// settles a hold to a new owner; Release returns held funds to the original
// owner. Transfer and Release applied twice under the same idempotency key
// take effect exactly once.
type Gateway interface {
	Hold(ctx context.Context, ownerID string, amount int64, idemKey string) (HoldRef, error)
	Transfer(ctx context.Context, ref HoldRef, toOwnerID string, idemKey string) error
	Release(ctx context.Context, ref HoldRef, idemKey string) error
	Balance(ctx context.Context, ownerID string) (int64, error)
}
