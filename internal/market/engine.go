package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/newtonhq/marketplace/internal/metrics"
	"github.com/newtonhq/marketplace/internal/models"
)

// inflight tracks a trade attempt between TryLock and Finalize so the
// watchdog can unwind it if the attempt is abandoned.
type inflight struct {
	tradeID     string
	buyerHoldID string
}

// Engine matches a buyer intent to a listing and drives the trade to
// completion or rollback. It is the only component that spans Listing and
// EscrowHold transitions together; balances themselves are only ever touched
// through the ledger gateway.
type Engine struct {
	book   *Book
	escrow *Coordinator
	logger *slog.Logger

	mu        sync.Mutex
	trades    map[string]*models.Trade // keyed by idempotency key
	inflights map[string]*inflight     // keyed by listing id
	completed []models.Trade           // append-only, for history and stats
}

// NewEngine creates a trade engine over the given book and coordinator.
func NewEngine(book *Book, escrow *Coordinator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		book:      book,
		escrow:    escrow,
		logger:    logger,
		trades:    make(map[string]*models.Trade),
		inflights: make(map[string]*inflight),
	}
}

// Buy purchases an entire listing on behalf of buyerID. idemKey is the
// caller-supplied idempotency key: replaying a completed trade returns the
// same Trade without moving funds again, and exactly one of any number of
// concurrent buyers wins a given listing.
func (e *Engine) Buy(ctx context.Context, buyerID, listingID, idemKey string) (*models.Trade, error) {
	if buyerID == "" || listingID == "" || idemKey == "" {
		return nil, fmt.Errorf("%w: buyer, listing and idempotency key required", ErrInvalidInput)
	}

	var priorFailed *models.Trade
	e.mu.Lock()
	if prior, ok := e.trades[idemKey]; ok {
		switch prior.Status {
		case models.TradeCompleted:
			t := *prior
			e.mu.Unlock()
			return &t, nil
		case models.TradePending:
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: trade %s still in flight", ErrInvalidState, idemKey)
		}
		// A failed attempt may be retried under the same key. Keep the prior
		// record so the failure evidence survives a retry that dies before
		// touching funds.
		priorFailed = prior
	}
	e.trades[idemKey] = &models.Trade{
		ID:      idemKey,
		BuyerID: buyerID,
		Status:  models.TradePending,
	}
	e.mu.Unlock()

	trade, err := e.attempt(ctx, buyerID, listingID, idemKey, priorFailed)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func (e *Engine) attempt(ctx context.Context, buyerID, listingID, idemKey string, priorFailed *models.Trade) (*models.Trade, error) {
	listing, err := e.book.TryLock(listingID)
	if err != nil {
		e.dropPending(idemKey, priorFailed)
		return nil, err
	}

	if listing.SellerID == buyerID {
		_ = e.book.Finalize(listingID, RolledBack)
		e.dropPending(idemKey, priorFailed)
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrInvalidInput)
	}

	e.fillPending(idemKey, listing)

	buyerHold, err := e.escrow.Reserve(ctx, buyerID, listing.Total(), listingID)
	if err != nil {
		_ = e.book.Finalize(listingID, RolledBack)
		return nil, e.fail(idemKey, listingID, err)
	}

	e.mu.Lock()
	e.inflights[listingID] = &inflight{tradeID: idemKey, buyerHoldID: buyerHold.ID}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflights, listingID)
		e.mu.Unlock()
	}()

	// Asset leg: the seller's reserved credits go to the buyer.
	if err := e.escrow.Settle(ctx, listing.HoldID, buyerID); err != nil {
		// Nothing settled yet. The buyer's payment hold can be released
		// safely; the seller hold stays reserved and goes to reconciliation.
		if relErr := e.escrow.Release(ctx, buyerHold.ID); relErr != nil {
			e.escrow.QueueReconciliation(ctx, models.Reconciliation{
				HoldID:    buyerHold.ID,
				ListingID: listingID,
				TradeID:   idemKey,
				Reason:    "buyer payment hold release failed after asset settlement failure",
			})
		}
		e.escrow.QueueReconciliation(ctx, models.Reconciliation{
			HoldID:    listing.HoldID,
			ListingID: listingID,
			TradeID:   idemKey,
			Reason:    "asset settlement exhausted retries",
		})
		_ = e.book.Finalize(listingID, Errored)
		return nil, e.fail(idemKey, listingID, err)
	}

	// Payment leg: the buyer's payment hold goes to the seller. If this leg
	// fails the asset is already settled and cannot be un-settled, so the
	// listing and trade escalate to reconciliation instead of attempting a
	// reversal.
	if err := e.escrow.Settle(ctx, buyerHold.ID, listing.SellerID); err != nil {
		e.escrow.QueueReconciliation(ctx, models.Reconciliation{
			HoldID:    buyerHold.ID,
			ListingID: listingID,
			TradeID:   idemKey,
			Reason:    "payment settlement exhausted retries after asset leg settled",
		})
		_ = e.book.Finalize(listingID, Errored)
		return nil, e.fail(idemKey, listingID, err)
	}

	if err := e.book.Finalize(listingID, Fulfilled); err != nil {
		// Both legs settled; the listing must still leave LOCKED.
		e.logger.Error("finalize after settlement failed",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
	}

	now := time.Now().UTC()
	e.mu.Lock()
	t := e.trades[idemKey]
	t.Status = models.TradeCompleted
	t.CompletedAt = now
	e.completed = append(e.completed, *t)
	done := *t
	e.mu.Unlock()

	metrics.TradesCompleted.Inc()
	metrics.TradedVolume.Add(float64(done.Total))
	e.logger.Info("trade completed",
		slog.String("trade_id", done.ID),
		slog.String("listing_id", done.ListingID),
		slog.String("buyer_id", done.BuyerID),
		slog.String("seller_id", done.SellerID),
		slog.Int64("total", done.Total),
	)
	return &done, nil
}

// Trade returns the trade recorded under an idempotency key.
func (e *Engine) Trade(idemKey string) (*models.Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[idemKey]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// History returns completed trades where the user was buyer or seller,
// newest first.
func (e *Engine) History(userID string) []models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Trade
	for i := len(e.completed) - 1; i >= 0; i-- {
		t := e.completed[i]
		if t.BuyerID == userID || t.SellerID == userID {
			out = append(out, t)
		}
	}
	return out
}

// CompletedSince returns completed trades with CompletedAt at or after the
// cutoff. Used by price discovery for the trailing volume window.
func (e *Engine) CompletedSince(cutoff time.Time) []models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Trade
	for _, t := range e.completed {
		if !t.CompletedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ReapStale resolves listings whose lock expired before now. A lock with no
// inflight record belongs to an attempt that already exited without
// finalizing and is safely rolled back to ACTIVE. A lock with a live inflight
// means the attempt is stuck inside a ledger call and funds may still move:
// reopening that listing would let a second buyer complete a trade whose
// seller hold the first attempt later settles, so it escalates to ERROR and
// reconciliation instead.
func (e *Engine) ReapStale(ctx context.Context, now time.Time) int {
	reaped := 0
	for _, listingID := range e.book.StaleLocks(now) {
		e.mu.Lock()
		inf := e.inflights[listingID]
		e.mu.Unlock()

		if inf != nil {
			if err := e.book.Finalize(listingID, Errored); err != nil {
				continue
			}
			if l, err := e.book.Get(listingID); err == nil {
				e.escrow.QueueReconciliation(ctx, models.Reconciliation{
					HoldID:    l.HoldID,
					ListingID: listingID,
					TradeID:   inf.tradeID,
					Reason:    "lock deadline passed with settlement in flight",
				})
			}
			metrics.LocksReaped.Inc()
			reaped++
			e.logger.Warn("stale lock escalated, settlement in flight",
				slog.String("listing_id", listingID),
				slog.String("trade_id", inf.tradeID),
				slog.String("buyer_hold_id", inf.buyerHoldID),
			)
			continue
		}

		if err := e.book.Finalize(listingID, RolledBack); err != nil {
			continue
		}
		metrics.LocksReaped.Inc()
		reaped++
		e.logger.Warn("reaped stale listing lock", slog.String("listing_id", listingID))
	}
	return reaped
}

// fillPending copies listing details into the pending trade record once the
// listing is locked.
func (e *Engine) fillPending(idemKey string, l *models.Listing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trades[idemKey]; ok {
		t.ListingID = l.ID
		t.SellerID = l.SellerID
		t.Quantity = l.Quantity
		t.UnitPrice = l.UnitPrice
		t.Total = l.Total()
	}
}

// dropPending removes a pending record for an attempt that never touched
// funds, keeping the key replayable. If the key previously ended FAILED, that
// record is restored rather than erased.
func (e *Engine) dropPending(idemKey string, priorFailed *models.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trades[idemKey]; ok && t.Status == models.TradePending {
		if priorFailed != nil {
			e.trades[idemKey] = priorFailed
		} else {
			delete(e.trades, idemKey)
		}
	}
}

// fail marks the trade record failed and returns err unchanged.
func (e *Engine) fail(idemKey, listingID string, err error) error {
	e.mu.Lock()
	if t, ok := e.trades[idemKey]; ok {
		t.Status = models.TradeFailed
	}
	e.mu.Unlock()
	metrics.TradesFailed.Inc()
	e.logger.Warn("trade failed",
		slog.String("trade_id", idemKey),
		slog.String("listing_id", listingID),
		slog.String("error", err.Error()),
	)
	return err
}
