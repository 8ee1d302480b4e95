package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtonhq/marketplace/internal/models"
)

func TestEngine_BuySettlesBothLegs(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 60)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	trade, err := m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeCompleted, trade.Status)
	assert.Equal(t, int64(10), trade.Quantity)
	assert.Equal(t, int64(5), trade.UnitPrice)
	assert.Equal(t, int64(50), trade.Total)
	assert.False(t, trade.CompletedAt.IsZero())

	// Buyer paid 50 and received the 10 credits; seller received 50.
	assert.Equal(t, int64(20), m.balance("buyer"))
	assert.Equal(t, int64(50), m.balance("seller"))

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingFulfilled, got.Status)
}

func TestEngine_BuyIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 100)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	first, err := m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	require.NoError(t, err)

	// Replaying the same idempotency key returns the identical trade and
	// moves no additional funds: 100 - 50 payment + 10 credits, once.
	second, err := m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(60), m.balance("buyer"))
	assert.Equal(t, int64(50), m.balance("seller"))
}

func TestEngine_ConcurrentBuyersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	const buyers = 16
	var wg sync.WaitGroup
	results := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		buyer := string(rune('a' + i))
		m.gw.inner.Credit(buyer, 50)
		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			_, results[i] = m.engine.Buy(ctx, buyer, listing.ID, "key-"+buyer)
		}(i, buyer)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, wins, "exactly one buyer must win the listing")

	// The seller was paid exactly once.
	assert.Equal(t, int64(50), m.balance("seller"))

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingFulfilled, got.Status)
}

func TestEngine_BuyInsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 49) // one short of the 50 total

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	_, err = m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Listing is tradable again, nothing moved.
	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingActive, got.Status)
	assert.Equal(t, int64(49), m.balance("buyer"))

	// The same key may retry once the buyer is funded.
	m.gw.inner.Credit("buyer", 1)
	trade, err := m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeCompleted, trade.Status)
}

func TestEngine_PaymentLegFailureEscalates(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 60)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	// Asset leg (first transfer) succeeds; every later transfer fails, so
	// the payment leg exhausts its retries after the asset moved.
	m.gw.failTransfersFrom = 2

	_, err = m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrSettlementFailed)

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingError, got.Status)

	trade, ok := m.engine.Trade("key-1")
	require.True(t, ok)
	assert.Equal(t, models.TradeFailed, trade.Status)

	// The stuck buyer payment hold is queued for reconciliation and stays
	// reserved; the asset credits already reached the buyer.
	pending := m.escrow.PendingReconciliations()
	require.Len(t, pending, 1)
	assert.Equal(t, listing.ID, pending[0].ListingID)
	assert.Equal(t, "key-1", pending[0].TradeID)

	hold, err := m.escrow.Hold(pending[0].HoldID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldReserved, hold.State)
	assert.Equal(t, "buyer", hold.OwnerID)
	assert.Equal(t, int64(20), m.balance("buyer")) // credits arrived, payment parked
}

func TestEngine_AssetLegFailureRefundsBuyer(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 60)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	m.gw.transferFailures = 10 // asset leg never succeeds

	_, err = m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrSettlementFailed)

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingError, got.Status)

	// Buyer got their payment hold back; the seller hold is parked for
	// reconciliation.
	assert.Equal(t, int64(60), m.balance("buyer"))
	pending := m.escrow.PendingReconciliations()
	require.Len(t, pending, 1)
	assert.Equal(t, listing.HoldID, pending[0].HoldID)
}

func TestEngine_SelfPurchaseRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 100)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	_, err = m.engine.Buy(ctx, "seller", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingActive, got.Status)
}

func TestEngine_BuyUnknownListing(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("buyer", 100)

	_, err := m.engine.Buy(ctx, "buyer", "no-such-listing", "key-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Nothing was recorded for the key; it remains replayable.
	_, ok := m.engine.Trade("key-1")
	assert.False(t, ok)
}

func TestEngine_History(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 20)
	m.gw.inner.Credit("buyer", 100)

	l1, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)
	l2, err := m.book.Create(ctx, "seller", 10, 3)
	require.NoError(t, err)

	_, err = m.engine.Buy(ctx, "buyer", l1.ID, "key-1")
	require.NoError(t, err)
	_, err = m.engine.Buy(ctx, "buyer", l2.ID, "key-2")
	require.NoError(t, err)

	history := m.engine.History("buyer")
	require.Len(t, history, 2)
	// Newest first.
	assert.Equal(t, "key-2", history[0].ID)

	assert.Len(t, m.engine.History("seller"), 2)
	assert.Empty(t, m.engine.History("stranger"))
}

func TestEngine_ReapStaleRollsBackAbandonedLock(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	// A lock with no inflight record: the attempt that took it exited
	// without finalizing.
	_, err = m.book.TryLock(listing.ID)
	require.NoError(t, err)

	// Before the lock deadline nothing is reaped.
	assert.Equal(t, 0, m.engine.ReapStale(ctx, time.Now().UTC()))

	reaped := m.engine.ReapStale(ctx, time.Now().UTC().Add(2*time.Minute))
	assert.Equal(t, 1, reaped)

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingActive, got.Status)
}

func TestEngine_ReapStaleEscalatesInFlightSettlement(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)
	m.gw.inner.Credit("buyer", 60)
	m.gw.inner.Credit("buyer2", 60)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	// The first buyer's asset-leg transfer hangs inside the ledger call.
	m.gw.mu.Lock()
	m.gw.transferGate = make(chan struct{})
	m.gw.transferEntered = make(chan struct{}, 1)
	m.gw.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
		done <- err
	}()
	<-m.gw.transferEntered

	// The lock deadline passes while the settlement is still, as far as the
	// watchdog can tell, in flight. The listing must not reopen for sale.
	reaped := m.engine.ReapStale(ctx, time.Now().UTC().Add(2*time.Minute))
	assert.Equal(t, 1, reaped)

	got, err := m.book.Get(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingError, got.Status)

	pending := m.escrow.PendingReconciliations()
	require.Len(t, pending, 1)
	assert.Equal(t, listing.HoldID, pending[0].HoldID)
	assert.Equal(t, "key-1", pending[0].TradeID)

	// A second buyer cannot win the listing anymore.
	_, err = m.engine.Buy(ctx, "buyer2", listing.ID, "key-2")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(60), m.balance("buyer2"))

	// The stuck call resumes; the first trade settles exactly once.
	close(m.gw.transferGate)
	require.NoError(t, <-done)

	trade, ok := m.engine.Trade("key-1")
	require.True(t, ok)
	assert.Equal(t, models.TradeCompleted, trade.Status)
	assert.Equal(t, int64(20), m.balance("buyer"))
	assert.Equal(t, int64(50), m.balance("seller"))
}

func TestEngine_FailedKeyRetryKeepsRecord(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 10)

	listing, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)

	// First attempt fails for lack of funds and is recorded.
	_, err = m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// The listing disappears before the retry.
	_, err = m.book.Cancel(ctx, listing.ID, "seller")
	require.NoError(t, err)

	// The retry dies before touching funds; the prior failure evidence must
	// survive it.
	_, err = m.engine.Buy(ctx, "buyer", listing.ID, "key-1")
	assert.ErrorIs(t, err, ErrInvalidState)

	trade, ok := m.engine.Trade("key-1")
	require.True(t, ok)
	assert.Equal(t, models.TradeFailed, trade.Status)
}

func TestWatchdog_Sweep(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket()
	m.gw.inner.Credit("seller", 20)

	abandoned, err := m.book.Create(ctx, "seller", 10, 5)
	require.NoError(t, err)
	_, err = m.book.TryLock(abandoned.ID)
	require.NoError(t, err)

	expired, err := m.book.Create(ctx, "seller", 10, 3)
	require.NoError(t, err)

	w := NewWatchdog(m.book, m.engine, time.Second, testLogger())
	// Far enough in the future that both the lock and the listing expired.
	w.Sweep(ctx, time.Now().UTC().Add(2*time.Hour))

	got, err := m.book.Get(abandoned.ID)
	require.NoError(t, err)
	// The abandoned lock was rolled back to ACTIVE first, then the listing
	// itself expired in the same pass.
	assert.Equal(t, models.ListingCancelled, got.Status)

	gotExpired, err := m.book.Get(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingCancelled, gotExpired.Status)

	// Both holds were released.
	assert.Equal(t, int64(20), m.balance("seller"))
}
