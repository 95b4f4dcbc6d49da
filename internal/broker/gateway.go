// Package broker defines the order gateway surface the engine trades
// through. Real connectivity lives behind this interface; the engine only
// sees submissions, cancels, queries, and the execution push.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"dipper/internal/model"
	"dipper/internal/session"
)

// Gateway is the broker surface the engine needs to operate.
type Gateway interface {
	// SubmitLimitBuy places an entry limit buy.
	SubmitLimitBuy(ctx context.Context, symbol string, qty int64, limit decimal.Decimal) (model.OrderRef, error)
	// SubmitMarketSell places a close-out market sell.
	SubmitMarketSell(ctx context.Context, symbol string, qty int64) (model.OrderRef, error)
	// SubmitStopSell places a GTC protective stop sell.
	SubmitStopSell(ctx context.Context, symbol string, qty int64, stop decimal.Decimal) (model.OrderRef, error)
	// Cancel withdraws a working order.
	Cancel(ctx context.Context, ref model.OrderRef) error

	// OrderStatus reports the broker's view of an order.
	OrderStatus(ctx context.Context, ref model.OrderRef) (model.OrderStatus, error)
	// OpenOrders lists the broker's working orders.
	OpenOrders(ctx context.Context) ([]model.Order, error)
	// OpenPositions lists the broker's held positions.
	OpenPositions(ctx context.Context) ([]model.Position, error)

	// MinIncrement returns the instrument's minimum price increment.
	MinIncrement(ctx context.Context, symbol string) (decimal.Decimal, error)
	// SessionWindow returns the symbol's trading session for the day.
	SessionWindow(ctx context.Context, symbol string) (session.Window, error)

	// OnExecution registers the push callback for fills.
	OnExecution(func(model.Fill))
	// Connected reports broker connectivity.
	Connected() bool
}
