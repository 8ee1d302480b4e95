package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Account represents a registered marketplace user
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ListingStatus is the closed set of listing lifecycle states. Terminal
// states (Fulfilled, Cancelled, Error) are never left once entered.
type ListingStatus uint8

const (
	ListingActive ListingStatus = iota
	ListingLocked
	ListingFulfilled
	ListingCancelled
	ListingError
)

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	return s <= ListingError
}

// Terminal reports whether the status permits no further transitions.
func (s ListingStatus) Terminal() bool {
	return s == ListingFulfilled || s == ListingCancelled || s == ListingError
}

func (s ListingStatus) String() string {
	switch s {
	case ListingActive:
		return "active"
	case ListingLocked:
		return "locked"
	case ListingFulfilled:
		return "fulfilled"
	case ListingCancelled:
		return "cancelled"
	case ListingError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalJSON renders the status in its lowercase string form.
func (s ListingStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the lowercase string form.
func (s *ListingStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseListingStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseListingStatus maps the wire/database form back to a ListingStatus.
func ParseListingStatus(s string) (ListingStatus, error) {
	for st := ListingActive; st <= ListingError; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown listing status %q", s)
}

// Listing is a seller's standing offer to sell a quantity of Newton credits
// at a unit price. Quantity and UnitPrice are exact integers; UnitPrice is in
// the smallest currency unit.
type Listing struct {
	ID        string        `json:"id"`
	SellerID  string        `json:"seller_id"`
	Quantity  int64         `json:"quantity"`
	UnitPrice int64         `json:"unit_price"`
	Status    ListingStatus `json:"status"`
	HoldID    string        `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Total is the payment amount a buyer owes for the whole listing.
func (l *Listing) Total() int64 {
	return l.Quantity * l.UnitPrice
}

// HoldState is the lifecycle of funds reserved on the ledger.
type HoldState uint8

const (
	HoldReserved HoldState = iota
	HoldSettled
	HoldReleased
)

func (s HoldState) String() string {
	switch s {
	case HoldReserved:
		return "reserved"
	case HoldSettled:
		return "settled"
	case HoldReleased:
		return "released"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// EscrowHold tracks credits set aside on the ledger so they cannot be spent
// elsewhere while a listing or trade is in flight.
type EscrowHold struct {
	ID        string
	OwnerID   string
	Amount    int64
	State     HoldState
	ListingID string
	CreatedAt time.Time
}

// TradeStatus is the lifecycle of a buyer request keyed by idempotency key.
type TradeStatus uint8

const (
	TradePending TradeStatus = iota
	TradeCompleted
	TradeFailed
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeCompleted:
		return "completed"
	case TradeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalJSON renders the status in its lowercase string form.
func (s TradeStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the lowercase string form.
func (s *TradeStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := TradePending; st <= TradeFailed; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown trade status %q", v)
}

// Trade is the durable evidence that a specific buyer request was (or was
// not) fulfilled. ID doubles as the idempotency key: a retried request maps
// onto the same Trade and never moves funds twice.
type Trade struct {
	ID          string      `json:"id"`
	ListingID   string      `json:"listing_id"`
	BuyerID     string      `json:"buyer_id"`
	SellerID    string      `json:"seller_id"`
	Quantity    int64       `json:"quantity"`
	UnitPrice   int64       `json:"unit_price"`
	Total       int64       `json:"total"`
	Status      TradeStatus `json:"status"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// Reconciliation records an escrow hold left in an indeterminate state after
// a partial settlement failure. It is surfaced to operators, never dropped.
type Reconciliation struct {
	HoldID    string    `json:"hold_id"`
	ListingID string    `json:"listing_id"`
	TradeID   string    `json:"trade_id,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// MarketStats is the advisory price-discovery snapshot. Mean and Median are
// the only fractional values; all amounts remain integers.
type MarketStats struct {
	ActiveCount      int     `json:"active_count"`
	CreditsAvailable int64   `json:"credits_available"`
	MinUnitPrice     int64   `json:"min_unit_price"`
	MaxUnitPrice     int64   `json:"max_unit_price"`
	MeanUnitPrice    float64 `json:"mean_unit_price"`
	MedianUnitPrice  float64 `json:"median_unit_price"`
	WindowTrades     int     `json:"window_trades"`
	WindowVolume     int64   `json:"window_volume"`
}
