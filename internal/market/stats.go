package market

import (
	"sort"
	"time"

	"github.com/newtonhq/marketplace/internal/models"
)

// PriceDiscovery computes advisory market statistics from a snapshot of
// ACTIVE listings and a trailing window of completed trades. It never blocks
// writers and tolerates a slightly stale view.
type PriceDiscovery struct {
	book   *Book
	engine *Engine
	window time.Duration
}

// NewPriceDiscovery creates a read-only stats source. window bounds the
// trailing trade volume; zero means 24 hours.
func NewPriceDiscovery(book *Book, engine *Engine, window time.Duration) *PriceDiscovery {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &PriceDiscovery{book: book, engine: engine, window: window}
}

// Stats returns the current market snapshot.
func (p *PriceDiscovery) Stats(now time.Time) models.MarketStats {
	active := p.book.ActiveSnapshot()

	stats := models.MarketStats{ActiveCount: len(active)}

	if len(active) > 0 {
		prices := make([]int64, 0, len(active))
		var sum int64
		for _, l := range active {
			prices = append(prices, l.UnitPrice)
			sum += l.UnitPrice
			stats.CreditsAvailable += l.Quantity
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })

		stats.MinUnitPrice = prices[0]
		stats.MaxUnitPrice = prices[len(prices)-1]
		stats.MeanUnitPrice = float64(sum) / float64(len(prices))
		stats.MedianUnitPrice = median(prices)
	}

	for _, t := range p.engine.CompletedSince(now.Add(-p.window)) {
		stats.WindowTrades++
		stats.WindowVolume += t.Total
	}
	return stats
}

func median(sorted []int64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}
