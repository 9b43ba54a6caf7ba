// Package metrics exposes Prometheus instrumentation for the engine.
//
// Primary series:
//   - engine_orders_total{mode,side}            – orders placed (mode: paper|live)
//   - engine_exit_reasons_total{reason,side}    – position exits by reason
//   - engine_failovers_total{from,to}           – gateway failovers between connections
//   - engine_breaker_state{connection,class}    – circuit breaker state (0 closed, 1 half-open, 2 open)
//   - engine_equity_usd                         – paper account equity snapshot
//   - engine_exchange_errors_total{connection,class} – failed exchange calls
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	exitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exit_reasons_total",
			Help: "Position exits split by reason and side",
		},
		[]string{"reason", "side"},
	)

	failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_failovers_total",
			Help: "Gateway failovers between exchange connections",
		},
		[]string{"from", "to"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_breaker_state",
			Help: "Circuit breaker state per connection and operation class (0 closed, 1 half-open, 2 open)",
		},
		[]string{"connection", "class"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_equity_usd",
			Help: "Paper account equity in quote currency",
		},
	)

	exchangeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exchange_errors_total",
			Help: "Failed exchange calls per connection and operation class",
		},
		[]string{"connection", "class"},
	)
)

func init() {
	prometheus.MustRegister(orders, exitReasons, failovers, breakerState, equity, exchangeErrors)
}

func IncOrder(mode, side string) { orders.WithLabelValues(mode, side).Inc() }

func IncExit(reason, side string) { exitReasons.WithLabelValues(reason, side).Inc() }

func IncFailover(from, to string) { failovers.WithLabelValues(from, to).Inc() }

func IncExchangeError(conn, class string) { exchangeErrors.WithLabelValues(conn, class).Inc() }
func SetBreakerState(conn, class string, state float64) {
	breakerState.WithLabelValues(conn, class).Set(state)
}
func SetEquity(v float64) { equity.Set(v) }
