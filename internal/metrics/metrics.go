// Package metrics registers the bot's Prometheus collectors and serves the
// /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_ticks_total", Help: "Polling ticks by outcome"},
		[]string{"outcome"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_signals_total", Help: "Crossover signals evaluated"},
		[]string{"signal"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	OrderSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_order_skips_total", Help: "Signals that produced no order"},
		[]string{"reason"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_fills_total", Help: "Fills applied to the position"},
		[]string{"symbol"},
	)
	OrderTerminalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_order_terminals_total", Help: "Orders that went terminal without a fill"},
		[]string{"status"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bot_reconnects_total", Help: "Gateway reconnect attempts"},
	)
	PositionQty = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bot_position_qty", Help: "Current signed position quantity"},
	)
	UnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bot_unrealized_pnl", Help: "Unrealized PnL against the latest close"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, OrdersTotal, OrderSkipsTotal,
		FillsTotal, OrderTerminalsTotal, ReconnectsTotal, PositionQty, UnrealizedPnL,
	)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
