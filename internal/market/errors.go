package market

import "errors"

var (
	// ErrInvalidInput is a malformed request; the caller's fault, not retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the listing does not exist.
	ErrNotFound = errors.New("listing not found")

	// ErrNotOwner means the requester does not own the targeted listing.
	ErrNotOwner = errors.New("not the listing owner")

	// ErrInvalidState means a legitimate race was lost: the listing is
	// locked, already sold, cancelled or otherwise not in a state that
	// permits the operation. Callers should re-query and pick another
	// listing.
	ErrInvalidState = errors.New("listing state does not permit operation")

	// ErrInsufficientFunds means the ledger rejected a hold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSettlementFailed means the ledger stayed unavailable through the
	// whole retry budget. The affected entities are queued for
	// reconciliation; no funds are silently lost.
	ErrSettlementFailed = errors.New("settlement failed after retries")

	// ErrAlreadySettled means settle or release was asked of a hold that has
	// already reached a terminal state it cannot move from.
	ErrAlreadySettled = errors.New("hold already settled")
)
