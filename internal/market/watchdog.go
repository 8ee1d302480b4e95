package market

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog periodically reaps abandoned listing locks and cancels expired
// listings. It is the guarantee that no listing stays LOCKED forever and no
// expired listing keeps seller credits reserved.
type Watchdog struct {
	book     *Book
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a watchdog sweeping at the given interval; zero means
// every 5 seconds.
func NewWatchdog(book *Book, engine *Engine, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{book: book, engine: engine, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			w.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep performs one pass: stale locks first, so a listing freed from an
// abandoned trade can still be expired in the same pass.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) {
	if n := w.engine.ReapStale(ctx, now); n > 0 {
		w.logger.Info("watchdog reaped stale locks", slog.Int("count", n))
	}
	if cancelled := w.book.SweepExpired(ctx, now); len(cancelled) > 0 {
		w.logger.Info("watchdog expired listings", slog.Int("count", len(cancelled)))
	}
}
