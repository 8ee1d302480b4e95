package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type heldFunds struct {
	owner    string
	amount   int64
	resolved bool // transferred or released
}

// Memory is an in-process Gateway used for local development, seeding and
// tests. It honors the same idempotency contract as a production ledger:
// replaying a Hold key returns the original ref, and replaying a Transfer or
// Release key is a no-op.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	holds    map[HoldRef]*heldFunds
	applied  map[string]HoldRef // idempotency key -> hold it acted on
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		holds:    make(map[HoldRef]*heldFunds),
		applied:  make(map[string]HoldRef),
	}
}

// Credit adds amount to an owner's available balance. Used by registration
// grants and seeding; not part of the Gateway contract.
func (m *Memory) Credit(ownerID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerID] += amount
}

// Hold moves amount from the owner's available balance into a new hold.
func (m *Memory) Hold(_ context.Context, ownerID string, amount int64, idemKey string) (HoldRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.applied[idemKey]; ok {
		return ref, nil
	}
	if m.balances[ownerID] < amount {
		return "", ErrInsufficientFunds
	}

	ref := HoldRef(uuid.NewString())
	m.balances[ownerID] -= amount
	m.holds[ref] = &heldFunds{owner: ownerID, amount: amount}
	m.applied[idemKey] = ref
	return ref, nil
}

// Transfer settles a hold to a new owner. Replaying the same idempotency key
// succeeds without moving funds again.
func (m *Memory) Transfer(_ context.Context, ref HoldRef, toOwnerID string, idemKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[idemKey]; ok {
		return nil
	}
	h, ok := m.holds[ref]
	if !ok || h.resolved {
		return ErrUnknownHold
	}

	h.resolved = true
	m.balances[toOwnerID] += h.amount
	m.applied[idemKey] = ref
	return nil
}

// Release returns held funds to the original owner, idempotently.
func (m *Memory) Release(_ context.Context, ref HoldRef, idemKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[idemKey]; ok {
		return nil
	}
	h, ok := m.holds[ref]
	if !ok || h.resolved {
		return ErrUnknownHold
	}

	h.resolved = true
	m.balances[h.owner] += h.amount
	m.applied[idemKey] = ref
	return nil
}

// Balance returns the owner's available (unheld) balance.
func (m *Memory) Balance(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[ownerID], nil
}
