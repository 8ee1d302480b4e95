package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/newtonhq/marketplace/internal/config"
	"github.com/newtonhq/marketplace/internal/db"
)

// bcrypt hash of "password"
const demoPasswordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

// Seed the database with demo accounts and a little trade history so the
// history endpoints have something to show. Live listings are not seeded:
// a listing only exists with escrow reserved behind it, so demo listings are
// created through the running server.
func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	var existing int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&existing); err != nil {
		log.Fatalf("Failed to check accounts: %v", err)
	}
	if existing > 0 {
		fmt.Printf("Database already has %d accounts. No need to seed.\n", existing)
		os.Exit(0)
	}

	sellerID := seedAccount(ctx, database, "seller1")
	buyerID := seedAccount(ctx, database, "buyer1")
	seedAccount(ctx, database, "buyer2")

	// A completed historical trade between the demo accounts.
	_, err = database.Pool.Exec(ctx,
		`INSERT INTO trades (id, listing_id, buyer_id, seller_id, quantity, unit_price, total, status, completed_at)
		 VALUES ($1, $2, $3, $4, 10, 5, 50, 'completed', NOW() - INTERVAL '1 day')`,
		uuid.NewString(), uuid.NewString(), buyerID, sellerID)
	if err != nil {
		log.Fatalf("Failed to seed trade history: %v", err)
	}

	fmt.Println("Seeded demo accounts (password: \"password\"): seller1, buyer1, buyer2")
}

func seedAccount(ctx context.Context, database *db.DB, username string) string {
	account, err := database.CreateAccount(ctx, uuid.NewString(), username, demoPasswordHash)
	if err != nil {
		log.Fatalf("Failed to create account %s: %v", username, err)
	}
	return account.ID
}
