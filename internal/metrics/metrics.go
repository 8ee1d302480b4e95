// Package metrics exposes the marketplace Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_listings_created_total",
		Help: "Listings successfully created with escrow reserved.",
	})

	ListingsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_listings_cancelled_total",
		Help: "Listings cancelled by their seller or expired by the watchdog.",
	})

	TradesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_trades_completed_total",
		Help: "Trades settled end to end.",
	})

	TradesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_trades_failed_total",
		Help: "Trades that ended failed, including rollbacks and reconciliation escalations.",
	})

	TradedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_traded_volume_credits_total",
		Help: "Cumulative payment volume of completed trades, in smallest currency units.",
	})

	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_settlement_retries_total",
		Help: "Ledger calls retried after a transient fault.",
	})

	ReconciliationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_reconciliation_pending",
		Help: "Escrow holds parked for operator reconciliation.",
	})

	LocksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_locks_reaped_total",
		Help: "Abandoned listing locks force-rolled-back by the watchdog.",
	})
)
