package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newtonhq/marketplace/internal/metrics"
	"github.com/newtonhq/marketplace/internal/models"
)

// Outcome resolves a locked listing at the end of a trade attempt.
type Outcome uint8

const (
	// Fulfilled transitions LOCKED -> FULFILLED.
	Fulfilled Outcome = iota
	// RolledBack transitions LOCKED -> ACTIVE, restoring tradability.
	RolledBack
	// Errored transitions LOCKED -> ERROR when a settlement partially
	// completed and cannot be safely reversed.
	Errored
)

// BookConfig tunes listing lifetimes.
type BookConfig struct {
	// LockTTL is how long a trade attempt may keep a listing locked before
	// the watchdog may force-roll it back.
	LockTTL time.Duration
	// ListingTTL is how long a listing stays purchasable before the watchdog
	// cancels it and releases its escrow.
	ListingTTL time.Duration
}

// DefaultBookConfig mirrors the defaults of the hosted marketplace: locks
// expire after 30 seconds, listings after 72 hours.
var DefaultBookConfig = BookConfig{
	LockTTL:    30 * time.Second,
	ListingTTL: 72 * time.Hour,
}

type listingEntry struct {
	mu           sync.Mutex
	listing      models.Listing
	lockDeadline time.Time
}

// Book is the authoritative in-memory registry of listings. All status
// transitions go through its methods; per-listing transitions are serialized
// by a per-entry mutex so operations on different listings never contend.
type Book struct {
	escrow *Coordinator
	cfg    BookConfig
	logger *slog.Logger

	mu       sync.RWMutex
	listings map[string]*listingEntry
}

// NewBook creates an empty listing book backed by the given escrow
// coordinator.
func NewBook(escrow *Coordinator, cfg BookConfig, logger *slog.Logger) *Book {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultBookConfig.LockTTL
	}
	if cfg.ListingTTL <= 0 {
		cfg.ListingTTL = DefaultBookConfig.ListingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		escrow:   escrow,
		cfg:      cfg,
		logger:   logger,
		listings: make(map[string]*listingEntry),
	}
}

// Create reserves quantity credits from the seller and, only if the hold
// succeeds, inserts a new ACTIVE listing. A failed hold leaves nothing
// behind.
func (b *Book) Create(ctx context.Context, sellerID string, quantity, unitPrice int64) (*models.Listing, error) {
	if sellerID == "" {
		return nil, fmt.Errorf("%w: seller required", ErrInvalidInput)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if unitPrice <= 0 {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrInvalidInput)
	}

	id := uuid.NewString()
	hold, err := b.escrow.Reserve(ctx, sellerID, quantity, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &listingEntry{
		listing: models.Listing{
			ID:        id,
			SellerID:  sellerID,
			Quantity:  quantity,
			UnitPrice: unitPrice,
			Status:    models.ListingActive,
			HoldID:    hold.ID,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(b.cfg.ListingTTL),
		},
	}

	b.mu.Lock()
	b.listings[id] = entry
	b.mu.Unlock()

	metrics.ListingsCreated.Inc()
	b.logger.Info("listing created",
		slog.String("listing_id", id),
		slog.String("seller_id", sellerID),
		slog.Int64("quantity", quantity),
		slog.Int64("unit_price", unitPrice),
	)

	l := entry.listing
	return &l, nil
}

// Cancel withdraws an ACTIVE listing. Only the original seller may cancel; a
// LOCKED listing is mid-trade and cancellation fails with ErrInvalidState so
// the caller retries after the trade resolves. The seller's escrow is
// released before the listing reaches CANCELLED.
func (b *Book) Cancel(ctx context.Context, listingID, requesterID string) (*models.Listing, error) {
	entry, err := b.entry(listingID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.listing.SellerID != requesterID {
		return nil, ErrNotOwner
	}
	if entry.listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, entry.listing.Status)
	}

	if err := b.escrow.Release(ctx, entry.listing.HoldID); err != nil {
		return nil, err
	}

	entry.listing.Status = models.ListingCancelled
	entry.listing.UpdatedAt = time.Now().UTC()
	metrics.ListingsCancelled.Inc()

	l := entry.listing
	return &l, nil
}

// TryLock atomically transitions ACTIVE -> LOCKED. This is the sole
// serialization point that keeps two concurrent trades off one listing:
// exactly one caller wins, everyone else gets ErrInvalidState.
func (b *Book) TryLock(listingID string) (*models.Listing, error) {
	entry, err := b.entry(listingID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, entry.listing.Status)
	}

	entry.listing.Status = models.ListingLocked
	entry.listing.UpdatedAt = time.Now().UTC()
	entry.lockDeadline = time.Now().UTC().Add(b.cfg.LockTTL)

	l := entry.listing
	return &l, nil
}

// Finalize resolves a LOCKED listing. Finalizing a listing that is not
// locked is a programming error on the caller's side and reported as
// ErrInvalidState.
func (b *Book) Finalize(listingID string, outcome Outcome) error {
	entry, err := b.entry(listingID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.listing.Status != models.ListingLocked {
		return fmt.Errorf("%w: listing is %s, not locked", ErrInvalidState, entry.listing.Status)
	}

	switch outcome {
	case Fulfilled:
		entry.listing.Status = models.ListingFulfilled
	case RolledBack:
		entry.listing.Status = models.ListingActive
	case Errored:
		entry.listing.Status = models.ListingError
	default:
		return fmt.Errorf("%w: unknown outcome %d", ErrInvalidInput, outcome)
	}
	entry.listing.UpdatedAt = time.Now().UTC()
	entry.lockDeadline = time.Time{}
	return nil
}

// Get returns a copy of the listing.
func (b *Book) Get(listingID string) (*models.Listing, error) {
	entry, err := b.entry(listingID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	l := entry.listing
	return &l, nil
}

// Filter narrows and orders List results.
type Filter struct {
	SellerID     string
	MaxUnitPrice int64 // 0 means no cap
	MinQuantity  int64
	SortBy       string // "price" (default), "quantity", "newest"
	Limit        int    // 0 means no limit
}

// List returns ACTIVE listings matching the filter. The snapshot is advisory
// and may be slightly stale with respect to in-flight trades.
func (b *Book) List(f Filter) []models.Listing {
	results := b.snapshot(func(l *models.Listing) bool {
		if l.Status != models.ListingActive {
			return false
		}
		if f.SellerID != "" && l.SellerID != f.SellerID {
			return false
		}
		if f.MaxUnitPrice > 0 && l.UnitPrice > f.MaxUnitPrice {
			return false
		}
		if f.MinQuantity > 0 && l.Quantity < f.MinQuantity {
			return false
		}
		return true
	})

	switch f.SortBy {
	case "quantity":
		sort.Slice(results, func(i, j int) bool { return results[i].Quantity > results[j].Quantity })
	case "newest":
		sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	default:
		// Best value first, earliest listing breaking ties.
		sort.Slice(results, func(i, j int) bool {
			if results[i].UnitPrice == results[j].UnitPrice {
				return results[i].CreatedAt.Before(results[j].CreatedAt)
			}
			return results[i].UnitPrice < results[j].UnitPrice
		})
	}

	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results
}

// BySeller returns every listing owned by a seller, regardless of status.
func (b *Book) BySeller(sellerID string) []models.Listing {
	results := b.snapshot(func(l *models.Listing) bool { return l.SellerID == sellerID })
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	return results
}

// ActiveSnapshot returns a copy of all ACTIVE listings for price discovery.
func (b *Book) ActiveSnapshot() []models.Listing {
	return b.snapshot(func(l *models.Listing) bool { return l.Status == models.ListingActive })
}

// StaleLocks returns ids of listings whose lock deadline passed before now.
func (b *Book) StaleLocks(now time.Time) []string {
	b.mu.RLock()
	entries := make([]*listingEntry, 0, len(b.listings))
	for _, e := range b.listings {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	var stale []string
	for _, e := range entries {
		e.mu.Lock()
		if e.listing.Status == models.ListingLocked && !e.lockDeadline.IsZero() && e.lockDeadline.Before(now) {
			stale = append(stale, e.listing.ID)
		}
		e.mu.Unlock()
	}
	return stale
}

// SweepExpired cancels ACTIVE listings whose expiry passed, releasing their
// escrow. It returns the listings it cancelled.
func (b *Book) SweepExpired(ctx context.Context, now time.Time) []models.Listing {
	b.mu.RLock()
	entries := make([]*listingEntry, 0, len(b.listings))
	for _, e := range b.listings {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	var cancelled []models.Listing
	for _, e := range entries {
		e.mu.Lock()
		if e.listing.Status != models.ListingActive || e.listing.ExpiresAt.After(now) {
			e.mu.Unlock()
			continue
		}
		if err := b.escrow.Release(ctx, e.listing.HoldID); err != nil {
			b.logger.Warn("expiry release failed, will retry next sweep",
				slog.String("listing_id", e.listing.ID),
				slog.String("error", err.Error()),
			)
			e.mu.Unlock()
			continue
		}
		e.listing.Status = models.ListingCancelled
		e.listing.UpdatedAt = now
		metrics.ListingsCancelled.Inc()
		cancelled = append(cancelled, e.listing)
		e.mu.Unlock()
	}
	return cancelled
}

func (b *Book) entry(listingID string) (*listingEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.listings[listingID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (b *Book) snapshot(keep func(*models.Listing) bool) []models.Listing {
	b.mu.RLock()
	entries := make([]*listingEntry, 0, len(b.listings))
	for _, e := range b.listings {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	var out []models.Listing
	for _, e := range entries {
		e.mu.Lock()
		if keep(&e.listing) {
			out = append(out, e.listing)
		}
		e.mu.Unlock()
	}
	return out
}
