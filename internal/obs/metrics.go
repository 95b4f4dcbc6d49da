// Package obs exposes the Prometheus metrics the daemon updates while trading:
//   - dipper_orders_submitted_total{tag}  – orders handed to the broker
//   - dipper_order_failures_total{op}     – failed broker calls by operation
//   - dipper_cancels_total{tag}           – cancellations issued
//   - dipper_fills_total{tag}             – executions observed by tag
//   - dipper_reconcile_ticks_total        – reconciliation ticks processed
//   - dipper_symbol_errors_total{symbol}  – per-symbol tick failures
//   - dipper_reconnects_total             – broker reconnections
//   - dipper_open_fetch_failures_total{symbol} – daily-open fetch failures
//   - dipper_queue_drops_total            – events dropped by the full queue
//   - dipper_position{symbol}             – current signed position (gauge)
//
// Collectors are registered in init() and served by the HTTP handler started
// in cmd/dipper at the configured metrics path.
package obs

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_orders_submitted_total",
			Help: "Orders handed to the broker",
		},
		[]string{"tag"},
	)

	mtxOrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_order_failures_total",
			Help: "Failed broker order calls by operation",
		},
		[]string{"op"},
	)

	mtxCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_cancels_total",
			Help: "Order cancellations issued",
		},
		[]string{"tag"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_fills_total",
			Help: "Executions observed by order tag",
		},
		[]string{"tag"},
	)

	mtxTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dipper_reconcile_ticks_total",
			Help: "Reconciliation ticks processed",
		},
	)

	mtxSymbolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_symbol_errors_total",
			Help: "Per-symbol reconcile failures",
		},
		[]string{"symbol"},
	)

	mtxReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dipper_reconnects_total",
			Help: "Broker reconnections",
		},
	)

	mtxOpenFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dipper_open_fetch_failures_total",
			Help: "Daily open price fetch failures",
		},
		[]string{"symbol"},
	)

	mtxQueueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dipper_queue_drops_total",
			Help: "Events dropped because the engine queue was full",
		},
	)

	mtxPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dipper_position",
			Help: "Current signed position in shares",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		mtxOrders,
		mtxOrderFailures,
		mtxCancels,
		mtxFills,
		mtxTicks,
		mtxSymbolErrors,
		mtxReconnects,
		mtxOpenFetchFailures,
		mtxQueueDrops,
		mtxPosition,
	)
}

func IncOrderSubmitted(tag string)       { mtxOrders.WithLabelValues(tag).Inc() }
func IncOrderFailure(op string)          { mtxOrderFailures.WithLabelValues(op).Inc() }
func IncCancel(tag string)               { mtxCancels.WithLabelValues(tag).Inc() }
func IncFill(tag string)                 { mtxFills.WithLabelValues(tag).Inc() }
func IncReconcileTick()                  { mtxTicks.Inc() }
func IncSymbolError(symbol string)       { mtxSymbolErrors.WithLabelValues(symbol).Inc() }
func IncReconnect()                      { mtxReconnects.Inc() }
func IncOpenFetchFailure(symbol string)  { mtxOpenFetchFailures.WithLabelValues(symbol).Inc() }
func IncQueueDrop()                      { mtxQueueDrops.Inc() }
func SetPosition(symbol string, q int64) { mtxPosition.WithLabelValues(symbol).Set(float64(q)) }
