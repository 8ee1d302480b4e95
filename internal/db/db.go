package db

import (
	"context"
	"fmt"
	"time"

	"github.com/newtonhq/marketplace/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool. The in-memory engine is the runtime
// authority; this store is the durable journal behind it and the source for
// history endpoints.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL REFERENCES accounts(id),
			quantity BIGINT NOT NULL,
			unit_price BIGINT NOT NULL,
			status TEXT NOT NULL,
			hold_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			unit_price BIGINT NOT NULL,
			total BIGINT NOT NULL,
			status TEXT NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS escrow_holds (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliations (
			hold_id TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			trade_id TEXT,
			reason TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a new account
func (db *DB) CreateAccount(ctx context.Context, id, username, passwordHash string) (*models.Account, error) {
	account := &models.Account{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (id, username, password_hash) VALUES ($1, $2, $3) RETURNING id, username, password_hash, created_at",
		id, username, passwordHash).Scan(&account.ID, &account.Username, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccountByUsername retrieves an account by username
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	account := &models.Account{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM accounts WHERE username = $1",
		username).Scan(&account.ID, &account.Username, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// UpsertListing journals the current state of a listing.
func (db *DB) UpsertListing(ctx context.Context, l *models.Listing) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO listings (id, seller_id, quantity, unit_price, status, hold_id, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		l.ID, l.SellerID, l.Quantity, l.UnitPrice, l.Status.String(), l.HoldID, l.CreatedAt, l.UpdatedAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert listing: %w", err)
	}
	return nil
}

// UpsertTrade journals the current state of a trade.
func (db *DB) UpsertTrade(ctx context.Context, t *models.Trade) error {
	var completedAt *time.Time
	if !t.CompletedAt.IsZero() {
		completedAt = &t.CompletedAt
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trades (id, listing_id, buyer_id, seller_id, quantity, unit_price, total, status, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.Quantity, t.UnitPrice, t.Total, t.Status.String(), completedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trade: %w", err)
	}
	return nil
}

// InsertReconciliation appends a reconciliation record.
func (db *DB) InsertReconciliation(ctx context.Context, r *models.Reconciliation) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO reconciliations (hold_id, listing_id, trade_id, reason, at) VALUES ($1, $2, $3, $4, $5)",
		r.HoldID, r.ListingID, r.TradeID, r.Reason, r.At)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	return nil
}

// GetAccountListings retrieves all listings for a seller
func (db *DB) GetAccountListings(ctx context.Context, sellerID string) ([]models.Listing, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, seller_id, quantity, unit_price, status, hold_id, created_at, updated_at, expires_at
		 FROM listings WHERE seller_id = $1 ORDER BY created_at DESC`,
		sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		var status string
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Quantity, &l.UnitPrice, &status, &l.HoldID, &l.CreatedAt, &l.UpdatedAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		if l.Status, err = models.ParseListingStatus(status); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// GetAccountTrades retrieves all trades where the account was buyer or seller
func (db *DB) GetAccountTrades(ctx context.Context, accountID string) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, listing_id, buyer_id, seller_id, quantity, unit_price, total, status, completed_at
		 FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY completed_at DESC NULLS LAST`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// GetTrade retrieves a trade by id (idempotency key).
func (db *DB) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT id, listing_id, buyer_id, seller_id, quantity, unit_price, total, status, completed_at
		 FROM trades WHERE id = $1`, id)
	return scanTrade(row)
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var status string
	var completedAt *time.Time
	if err := row.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Quantity, &t.UnitPrice, &t.Total, &status, &completedAt); err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}
	switch status {
	case models.TradePending.String():
		t.Status = models.TradePending
	case models.TradeCompleted.String():
		t.Status = models.TradeCompleted
	case models.TradeFailed.String():
		t.Status = models.TradeFailed
	default:
		return nil, fmt.Errorf("unknown trade status %q", status)
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}
