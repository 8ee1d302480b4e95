package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/newtonhq/marketplace/internal/api"
	"github.com/newtonhq/marketplace/internal/auth"
	"github.com/newtonhq/marketplace/internal/cache"
	"github.com/newtonhq/marketplace/internal/config"
	"github.com/newtonhq/marketplace/internal/db"
	"github.com/newtonhq/marketplace/internal/ledger"
	"github.com/newtonhq/marketplace/internal/market"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type broadcaster struct {
	stats    *market.PriceDiscovery
	logger   *slog.Logger
	mu       sync.RWMutex
	clients  map[*wsClient]bool
	interval time.Duration
}

func newBroadcaster(stats *market.PriceDiscovery, interval time.Duration, logger *slog.Logger) *broadcaster {
	return &broadcaster{
		stats:    stats,
		logger:   logger,
		clients:  make(map[*wsClient]bool),
		interval: interval,
	}
}

// broadcast pushes the current market stats snapshot to every connected
// client, dropping clients whose writes fail.
func (b *broadcaster) broadcast() {
	data, err := json.Marshal(b.stats.Stats(time.Now().UTC()))
	if err != nil {
		b.logger.Error("failed to marshal market stats", slog.String("error", err.Error()))
		return
	}

	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			b.mu.Lock()
			delete(b.clients, client)
			b.mu.Unlock()
		}
	}
}

func (b *broadcaster) run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.broadcast()
		}
	}
}

func (b *broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{conn: conn}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	// Send an initial snapshot, then hold the connection open until the
	// client goes away.
	b.broadcast()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.mu.Lock()
			delete(b.clients, client)
			b.mu.Unlock()
			return
		}
	}
}

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close(ctx)

	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// The in-memory ledger is the development gateway; a deployment against
	// the hosted ledger swaps in its client here.
	led := ledger.NewMemory()

	escrow := market.NewCoordinator(led, market.RetryPolicy{
		MaxAttempts: cfg.Escrow.MaxAttempts,
		BaseDelay:   cfg.Escrow.RetryBase.Std(),
		MaxDelay:    cfg.Escrow.RetryMax.Std(),
	}, logger)
	book := market.NewBook(escrow, market.BookConfig{
		LockTTL:    cfg.Market.LockTTL.Std(),
		ListingTTL: cfg.Market.ListingTTL.Std(),
	}, logger)
	escrow.SetJournal(database)
	engine := market.NewEngine(book, escrow, logger)
	stats := market.NewPriceDiscovery(book, engine, cfg.Market.StatsWindow.Std())
	watchdog := market.NewWatchdog(book, engine, cfg.Market.SweepInterval.Std(), logger)

	var statsCache *cache.StatsCache
	if cfg.Redis.Addr != "" {
		statsCache, err = cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StatsTTL.Std())
		if err != nil {
			logger.Warn("redis unavailable, stats cache disabled", slog.String("error", err.Error()))
			statsCache = nil
		} else {
			defer statsCache.Close()
		}
	}

	authService := auth.NewAuthService(database, led, cfg.Auth.Secret, cfg.Auth.TokenTTL.Std(), cfg.Auth.SignupCredit)

	handler := api.NewHandler(api.Handler{
		Store:       database,
		Book:        book,
		Engine:      engine,
		Escrow:      escrow,
		Stats:       stats,
		Ledger:      led,
		AuthService: authService,
		Cache:       statsCache,
		Logger:      logger,
	})

	bc := newBroadcaster(stats, cfg.Server.BroadcastInterval.Std(), logger)

	r := chi.NewRouter()
	r.Use(api.Logging(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", bc.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/listings", handler.GetListings)
	r.Get("/listings/{id}", handler.GetListing)
	r.Get("/market/stats", handler.MarketStats)
	r.Get("/admin/reconciliation", handler.Reconciliation)

	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/listings", handler.CreateListing)
		r.Delete("/listings/{id}", handler.CancelListing)
		r.Post("/listings/{id}/buy", handler.Buy)
		r.Get("/me/listings", handler.MyListings)
		r.Get("/me/trades", handler.MyTrades)
		r.Get("/me/balance", handler.MyBalance)
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return watchdog.Run(ctx) })
	g.Go(func() error { return bc.run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
