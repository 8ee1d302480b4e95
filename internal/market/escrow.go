package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newtonhq/marketplace/internal/ledger"
	"github.com/newtonhq/marketplace/internal/metrics"
	"github.com/newtonhq/marketplace/internal/models"
)

// RetryPolicy bounds the exponential backoff applied to transient ledger
// faults. After MaxAttempts failed calls the operation is surfaced as
// ErrSettlementFailed.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when the config leaves the policy zero-valued.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// holdEntry pairs the hold record with the stable idempotency keys for its
// settle and release paths. The keys never change across retries, so a
// repeated Transfer or Release can take effect at most once on the ledger.
type holdEntry struct {
	mu         sync.Mutex
	hold       models.EscrowHold
	ref        ledger.HoldRef
	settleKey  string
	releaseKey string
}

// ReconciliationJournal durably records reconciliation entries alongside the
// in-memory queue. Optional; the PostgreSQL store implements it.
type ReconciliationJournal interface {
	InsertReconciliation(ctx context.Context, r *models.Reconciliation) error
}

// Coordinator owns escrow holds and drives the reserve/settle/release
// protocol against the ledger gateway, including compensation bookkeeping
// when a settlement sequence fails partway.
type Coordinator struct {
	gw      ledger.Gateway
	policy  RetryPolicy
	logger  *slog.Logger
	journal ReconciliationJournal

	mu    sync.Mutex
	holds map[string]*holdEntry
	recon []models.Reconciliation
}

// NewCoordinator creates a Coordinator over the given gateway.
func NewCoordinator(gw ledger.Gateway, policy RetryPolicy, logger *slog.Logger) *Coordinator {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gw:     gw,
		policy: policy,
		logger: logger,
		holds:  make(map[string]*holdEntry),
	}
}

// Reserve moves amount from the owner's available balance into a new escrow
// hold. On any failure no hold record is created.
func (c *Coordinator) Reserve(ctx context.Context, ownerID string, amount int64, listingID string) (*models.EscrowHold, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: hold amount must be positive", ErrInvalidInput)
	}

	idemKey := uuid.NewString()
	var ref ledger.HoldRef
	err := c.withRetry(ctx, "hold", func() error {
		var err error
		ref, err = c.gw.Hold(ctx, ownerID, amount, idemKey)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	entry := &holdEntry{
		hold: models.EscrowHold{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Amount:    amount,
			State:     models.HoldReserved,
			ListingID: listingID,
			CreatedAt: time.Now().UTC(),
		},
		ref:        ref,
		settleKey:  uuid.NewString(),
		releaseKey: uuid.NewString(),
	}

	c.mu.Lock()
	c.holds[entry.hold.ID] = entry
	c.mu.Unlock()

	h := entry.hold
	return &h, nil
}

// Settle transfers the held amount to toOwnerID and marks the hold settled.
// Settling an already-settled hold is a no-op; settling a released hold is
// ErrAlreadySettled. On retry exhaustion the hold stays reserved and the
// caller decides whether to queue it for reconciliation.
func (c *Coordinator) Settle(ctx context.Context, holdID, toOwnerID string) error {
	entry, err := c.entry(holdID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.hold.State {
	case models.HoldSettled:
		return nil
	case models.HoldReleased:
		return ErrAlreadySettled
	}

	if err := c.withRetry(ctx, "transfer", func() error {
		return c.gw.Transfer(ctx, entry.ref, toOwnerID, entry.settleKey)
	}); err != nil {
		return err
	}

	entry.hold.State = models.HoldSettled
	return nil
}

// Release returns the held amount to its original owner. Releasing an
// already-released hold is a no-op; releasing a settled hold is
// ErrAlreadySettled.
func (c *Coordinator) Release(ctx context.Context, holdID string) error {
	entry, err := c.entry(holdID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.hold.State {
	case models.HoldReleased:
		return nil
	case models.HoldSettled:
		return ErrAlreadySettled
	}

	if err := c.withRetry(ctx, "release", func() error {
		return c.gw.Release(ctx, entry.ref, entry.releaseKey)
	}); err != nil {
		return err
	}

	entry.hold.State = models.HoldReleased
	return nil
}

// Hold returns a copy of the hold record.
func (c *Coordinator) Hold(holdID string) (*models.EscrowHold, error) {
	entry, err := c.entry(holdID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	h := entry.hold
	return &h, nil
}

// SetJournal attaches a durable journal; every queued reconciliation is also
// written through it, best-effort.
func (c *Coordinator) SetJournal(j ReconciliationJournal) {
	c.journal = j
}

// QueueReconciliation records a hold stuck after a partial settlement so an
// operator (or an automated job) can recover it. The hold itself stays
// reserved; funds are parked, never dropped.
func (c *Coordinator) QueueReconciliation(ctx context.Context, rec models.Reconciliation) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	c.mu.Lock()
	c.recon = append(c.recon, rec)
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.InsertReconciliation(ctx, &rec); err != nil {
			c.logger.Warn("reconciliation journal write failed",
				slog.String("hold_id", rec.HoldID),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.ReconciliationPending.Inc()
	c.logger.Error("escrow hold queued for reconciliation",
		slog.String("hold_id", rec.HoldID),
		slog.String("listing_id", rec.ListingID),
		slog.String("trade_id", rec.TradeID),
		slog.String("reason", rec.Reason),
	)
}

// PendingReconciliations returns a snapshot of queued reconciliation records.
func (c *Coordinator) PendingReconciliations() []models.Reconciliation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Reconciliation, len(c.recon))
	copy(out, c.recon)
	return out
}

func (c *Coordinator) entry(holdID string) (*holdEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("%w: hold %s", ErrNotFound, holdID)
	}
	return entry, nil
}

// withRetry runs fn, retrying transient ledger faults with bounded
// exponential backoff. Non-transient errors return immediately.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.policy.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryPolicy.BaseDelay
	}
	maxDelay := c.policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryPolicy.MaxDelay
	}

	var err error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ledger.ErrUnavailable) {
			return err
		}

		metrics.SettlementRetries.Inc()
		c.logger.Warn("ledger unavailable",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.policy.MaxAttempts),
		)

		if attempt == c.policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrSettlementFailed, op, err)
}
