package market

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/newtonhq/marketplace/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// flakyGateway wraps the in-memory ledger with programmable transient
// faults so retry and partial-failure paths can be exercised.
type flakyGateway struct {
	inner *ledger.Memory

	mu sync.Mutex
	// holdFailures fails the next n Hold calls with ErrUnavailable.
	holdFailures int
	// transferFailures fails the next n Transfer calls with ErrUnavailable.
	transferFailures int
	// failTransfersFrom permanently fails Transfer calls numbered >= this
	// (1-based) when nonzero. Lets the asset leg succeed and the payment leg
	// exhaust its retries.
	failTransfersFrom int
	transferCalls     int
	// releaseFailures fails the next n Release calls with ErrUnavailable.
	releaseFailures int
	// transferGate, when set, blocks each Transfer call until the gate is
	// closed; transferEntered receives one signal per call that reaches the
	// gate. Simulates a ledger call stuck past the lock deadline.
	transferGate    chan struct{}
	transferEntered chan struct{}
}

func newFlakyGateway() *flakyGateway {
	return &flakyGateway{inner: ledger.NewMemory()}
}

func (f *flakyGateway) Hold(ctx context.Context, ownerID string, amount int64, idemKey string) (ledger.HoldRef, error) {
	f.mu.Lock()
	if f.holdFailures > 0 {
		f.holdFailures--
		f.mu.Unlock()
		return "", ledger.ErrUnavailable
	}
	f.mu.Unlock()
	return f.inner.Hold(ctx, ownerID, amount, idemKey)
}

func (f *flakyGateway) Transfer(ctx context.Context, ref ledger.HoldRef, toOwnerID string, idemKey string) error {
	f.mu.Lock()
	f.transferCalls++
	if f.transferFailures > 0 {
		f.transferFailures--
		f.mu.Unlock()
		return ledger.ErrUnavailable
	}
	if f.failTransfersFrom > 0 && f.transferCalls >= f.failTransfersFrom {
		f.mu.Unlock()
		return ledger.ErrUnavailable
	}
	gate, entered := f.transferGate, f.transferEntered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	return f.inner.Transfer(ctx, ref, toOwnerID, idemKey)
}

func (f *flakyGateway) Release(ctx context.Context, ref ledger.HoldRef, idemKey string) error {
	f.mu.Lock()
	if f.releaseFailures > 0 {
		f.releaseFailures--
		f.mu.Unlock()
		return ledger.ErrUnavailable
	}
	f.mu.Unlock()
	return f.inner.Release(ctx, ref, idemKey)
}

func (f *flakyGateway) Balance(ctx context.Context, ownerID string) (int64, error) {
	return f.inner.Balance(ctx, ownerID)
}

// testMarket bundles a fully wired in-memory marketplace for tests.
type testMarket struct {
	gw     *flakyGateway
	escrow *Coordinator
	book   *Book
	engine *Engine
}

func newTestMarket() *testMarket {
	gw := newFlakyGateway()
	escrow := NewCoordinator(gw, testPolicy(), testLogger())
	book := NewBook(escrow, BookConfig{LockTTL: time.Minute, ListingTTL: time.Hour}, testLogger())
	engine := NewEngine(book, escrow, testLogger())
	return &testMarket{gw: gw, escrow: escrow, book: book, engine: engine}
}

func (m *testMarket) balance(owner string) int64 {
	b, _ := m.gw.Balance(context.Background(), owner)
	return b
}
