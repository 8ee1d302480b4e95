package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/newtonhq/marketplace/internal/auth"
	"github.com/newtonhq/marketplace/internal/cache"
	"github.com/newtonhq/marketplace/internal/db"
	"github.com/newtonhq/marketplace/internal/ledger"
	"github.com/newtonhq/marketplace/internal/market"
	"github.com/newtonhq/marketplace/internal/models"
)

type ctxKey string

const ctxAccountID ctxKey = "account_id"

// Store is the durable journal behind the in-memory engine. It records state
// transitions best-effort and answers history reads that outlive a restart.
// *db.DB implements it.
type Store interface {
	UpsertListing(ctx context.Context, l *models.Listing) error
	UpsertTrade(ctx context.Context, t *models.Trade) error
	GetAccountListings(ctx context.Context, sellerID string) ([]models.Listing, error)
	GetAccountTrades(ctx context.Context, accountID string) ([]models.Trade, error)
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
}

var _ Store = (*db.DB)(nil)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       Store
	Book        *market.Book
	Engine      *market.Engine
	Escrow      *market.Coordinator
	Stats       *market.PriceDiscovery
	Ledger      ledger.Gateway
	AuthService *auth.AuthService
	Cache       *cache.StatsCache
	Logger      *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return &h
}

// Register handles account registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	account, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register account")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       account.ID,
		"username": account.Username,
	})
}

// Login handles account login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		accountID, err := h.AuthService.GetAccountFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxAccountID, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(ctxAccountID).(string)
	return id, ok && id != ""
}

// CreateListing reserves the seller's credits in escrow and opens a listing.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Quantity  int64 `json:"quantity"`
		UnitPrice int64 `json:"unit_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listing, err := h.Book.Create(r.Context(), sellerID, req.Quantity, req.UnitPrice)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.journalListing(r.Context(), listing)
	writeJSON(w, http.StatusCreated, listing)
}

// CancelListing withdraws an active listing and releases its escrow.
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	listing, err := h.Book.Cancel(r.Context(), chi.URLParam(r, "id"), requesterID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.journalListing(r.Context(), listing)
	writeJSON(w, http.StatusOK, listing)
}

// GetListings browses active listings with optional filters.
func (h *Handler) GetListings(w http.ResponseWriter, r *http.Request) {
	f := market.Filter{
		SellerID:     r.URL.Query().Get("seller"),
		MaxUnitPrice: queryInt64(r, "max_unit_price"),
		MinQuantity:  queryInt64(r, "min_quantity"),
		SortBy:       r.URL.Query().Get("sort"),
		Limit:        queryInt(r, "limit", 50),
	}

	listings := h.Book.List(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(listings),
		"listings": listings,
	})
}

// GetListing returns a single listing by id.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.Book.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// Buy executes a trade against a listing. The response always states what
// happened to funds: "none" moved, everything moved ("settled"), or the
// trade is parked for reconciliation ("pending_reconciliation").
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key required")
		return
	}

	// The engine forgets completed keys across a restart; the journal does
	// not. A key the journal already settled is replayed from there.
	if _, known := h.Engine.Trade(req.IdempotencyKey); !known && h.Store != nil {
		if t, err := h.Store.GetTrade(r.Context(), req.IdempotencyKey); err == nil && t.Status == models.TradeCompleted {
			writeJSON(w, http.StatusCreated, map[string]any{
				"trade": t,
				"funds": "settled",
			})
			return
		}
	}

	listingID := chi.URLParam(r, "id")
	trade, err := h.Engine.Buy(r.Context(), buyerID, listingID, req.IdempotencyKey)
	if err != nil {
		funds := "none"
		if errors.Is(err, market.ErrSettlementFailed) {
			funds = "pending_reconciliation"
		}
		if t, ok := h.Engine.Trade(req.IdempotencyKey); ok {
			h.journalTrade(r.Context(), t)
		}
		writeJSON(w, statusFor(err), map[string]string{
			"error": err.Error(),
			"funds": funds,
		})
		return
	}

	h.journalTrade(r.Context(), trade)
	if listing, lerr := h.Book.Get(listingID); lerr == nil {
		h.journalListing(r.Context(), listing)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"trade": trade,
		"funds": "settled",
	})
}

// MarketStats returns the price-discovery snapshot, served from the Redis
// cache when one is configured and warm.
func (h *Handler) MarketStats(w http.ResponseWriter, r *http.Request) {
	if stats, err := h.Cache.Get(r.Context()); err == nil {
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats := h.Stats.Stats(time.Now().UTC())
	if err := h.Cache.Set(r.Context(), stats); err != nil {
		h.Logger.Warn("stats cache write failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, stats)
}

// MyListings returns the caller's listings in every status.
func (h *Handler) MyListings(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	listings := h.Book.BySeller(id)
	if len(listings) == 0 && h.Store != nil {
		// Nothing in memory for this seller; fall back to the journal so
		// history survives a restart.
		if fromStore, err := h.Store.GetAccountListings(r.Context(), id); err == nil {
			listings = fromStore
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(listings),
		"listings": listings,
	})
}

// MyTrades returns the caller's completed trades, bought and sold.
func (h *Handler) MyTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	history := h.Engine.History(id)
	if len(history) == 0 && h.Store != nil {
		if fromStore, err := h.Store.GetAccountTrades(r.Context(), id); err == nil {
			history = fromStore
		}
	}

	var bought, sold []models.Trade
	for _, t := range history {
		if t.BuyerID == id {
			bought = append(bought, t)
		} else {
			sold = append(sold, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bought": bought,
		"sold":   sold,
	})
}

// MyBalance returns the caller's available ledger balance.
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// Reconciliation lists escrow holds parked after partial settlement
// failures. Operator-facing.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	pending := h.Escrow.PendingReconciliations()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(pending),
		"pending": pending,
	})
}

// journalListing and journalTrade write the durable record. The in-memory
// engine stays authoritative; a journal failure is logged, not surfaced.
func (h *Handler) journalListing(ctx context.Context, l *models.Listing) {
	if h.Store == nil {
		return
	}
	if err := h.Store.UpsertListing(ctx, l); err != nil {
		h.Logger.Error("listing journal failed",
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) journalTrade(ctx context.Context, t *models.Trade) {
	if h.Store == nil {
		return
	}
	if err := h.Store.UpsertTrade(ctx, t); err != nil {
		h.Logger.Error("trade journal failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}
