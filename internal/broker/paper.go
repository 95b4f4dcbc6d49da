package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dipper/internal/config"
	"dipper/internal/model"
	"dipper/internal/session"
	"dipper/pkg/exception"
)

// PaperConfig tunes the in-memory gateway.
type PaperConfig struct {
	Increment    decimal.Decimal
	SessionOpen  config.TimeOfDay
	SessionClose config.TimeOfDay
	Location     *time.Location
}

type paperOrder struct {
	ref    model.OrderRef
	symbol string
	side   model.OrderSide
	typ    model.OrderType
	qty    int64
	filled int64
	limit  decimal.Decimal
	stop   decimal.Decimal
	status model.OrderStatus
}

// Paper is an in-memory gateway for dry runs and tests. Limit buys fill when
// the driven mark price crosses at or below the limit, stop sells trigger
// when it crosses at or below the stop, market sells fill at the current
// mark.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	seq       int64
	marks     map[string]decimal.Decimal
	orders    map[string]*paperOrder
	positions map[string]int64
	execCb    func(model.Fill)
	now       func() time.Time
}

// NewPaper creates an empty paper gateway.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Increment.IsZero() {
		cfg.Increment = decimal.New(1, -2)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	zero := config.TimeOfDay{}
	if cfg.SessionOpen == zero && cfg.SessionClose == zero {
		cfg.SessionOpen = config.TimeOfDay{Hour: 9, Minute: 30}
		cfg.SessionClose = config.TimeOfDay{Hour: 16}
	}
	return &Paper{
		cfg:       cfg,
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]int64),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (p *Paper) SetClock(now func() time.Time) {
	p.now = now
}

// SeedPosition installs a pre-existing holding, as if it survived a restart.
func (p *Paper) SeedPosition(symbol string, qty int64) {
	p.mu.Lock()
	p.positions[symbol] = qty
	p.mu.Unlock()
}

func (p *Paper) nextRef(tag model.OrderTag) model.OrderRef {
	p.seq++
	id := strconv.FormatInt(p.seq, 10)
	return model.OrderRef{
		ID:       id,
		ClientID: tag.ClientIDPrefix() + id,
		Tag:      tag,
		Day:      model.DayOf(p.now(), p.cfg.Location),
	}
}

// MarkPrice drives the simulated market and works resting orders.
func (p *Paper) MarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price

	var fills []model.Fill
	for _, o := range p.orders {
		if o.symbol != symbol || o.status.Terminal() {
			continue
		}
		switch {
		case o.typ == model.OrderTypeLimit && o.side == model.OrderSideBuy && price.LessThanOrEqual(o.limit):
			fills = append(fills, p.fillLocked(o, o.limit))
		case o.typ == model.OrderTypeStop && o.side == model.OrderSideSell && price.LessThanOrEqual(o.stop):
			fills = append(fills, p.fillLocked(o, o.stop))
		}
	}
	cb := p.execCb
	p.mu.Unlock()

	if cb != nil {
		for _, f := range fills {
			cb(f)
		}
	}
}

// fillLocked completes an order at price and updates positions. Caller holds
// the mutex.
func (p *Paper) fillLocked(o *paperOrder, price decimal.Decimal) model.Fill {
	remaining := o.qty - o.filled
	o.filled = o.qty
	o.status = model.OrderStatusFilled
	switch o.side {
	case model.OrderSideBuy:
		p.positions[o.symbol] += remaining
	case model.OrderSideSell:
		p.positions[o.symbol] -= remaining
	}
	return model.Fill{
		OrderID: o.ref.ID,
		Symbol:  o.symbol,
		Side:    o.side,
		Qty:     remaining,
		Price:   price,
		At:      p.now(),
	}
}

func (p *Paper) SubmitLimitBuy(_ context.Context, symbol string, qty int64, limit decimal.Decimal) (model.OrderRef, error) {
	if qty <= 0 {
		return model.OrderRef{}, exception.ErrBrokerRejected
	}
	p.mu.Lock()
	ref := p.nextRef(model.OrderTagEntry)
	p.orders[ref.ID] = &paperOrder{
		ref:    ref,
		symbol: symbol,
		side:   model.OrderSideBuy,
		typ:    model.OrderTypeLimit,
		qty:    qty,
		limit:  limit,
		status: model.OrderStatusWorking,
	}
	p.mu.Unlock()
	return ref, nil
}

func (p *Paper) SubmitStopSell(_ context.Context, symbol string, qty int64, stop decimal.Decimal) (model.OrderRef, error) {
	if qty <= 0 {
		return model.OrderRef{}, exception.ErrBrokerRejected
	}
	p.mu.Lock()
	ref := p.nextRef(model.OrderTagProtective)
	p.orders[ref.ID] = &paperOrder{
		ref:    ref,
		symbol: symbol,
		side:   model.OrderSideSell,
		typ:    model.OrderTypeStop,
		qty:    qty,
		stop:   stop,
		status: model.OrderStatusWorking,
	}
	p.mu.Unlock()
	return ref, nil
}

func (p *Paper) SubmitMarketSell(_ context.Context, symbol string, qty int64) (model.OrderRef, error) {
	if qty <= 0 {
		return model.OrderRef{}, exception.ErrBrokerRejected
	}
	p.mu.Lock()
	mark, ok := p.marks[symbol]
	if !ok {
		p.mu.Unlock()
		return model.OrderRef{}, exception.ErrBrokerNoMarkPrice
	}
	ref := p.nextRef(model.OrderTagClose)
	o := &paperOrder{
		ref:    ref,
		symbol: symbol,
		side:   model.OrderSideSell,
		typ:    model.OrderTypeMarket,
		qty:    qty,
		status: model.OrderStatusWorking,
	}
	p.orders[ref.ID] = o
	fill := p.fillLocked(o, mark)
	cb := p.execCb
	p.mu.Unlock()

	if cb != nil {
		cb(fill)
	}
	return ref, nil
}

func (p *Paper) Cancel(_ context.Context, ref model.OrderRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[ref.ID]
	if !ok {
		return exception.ErrBrokerUnknownOrder
	}
	if o.status.Terminal() {
		return nil
	}
	o.status = model.OrderStatusCancelled
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, ref model.OrderRef) (model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[ref.ID]
	if !ok {
		return model.OrderStatusUnknown, exception.ErrBrokerUnknownOrder
	}
	return o.status, nil
}

func (p *Paper) OpenOrders(context.Context) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Order
	for _, o := range p.orders {
		if o.status.Terminal() {
			continue
		}
		out = append(out, model.Order{
			Ref:       o.ref,
			Symbol:    o.symbol,
			Side:      o.side,
			Type:      o.typ,
			Qty:       o.qty,
			FilledQty: o.filled,
			Limit:     o.limit,
			Stop:      o.stop,
			Status:    o.status,
		})
	}
	return out, nil
}

func (p *Paper) OpenPositions(context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Position
	for symbol, qty := range p.positions {
		if qty == 0 {
			continue
		}
		out = append(out, model.Position{Symbol: symbol, Qty: qty})
	}
	return out, nil
}

func (p *Paper) MinIncrement(context.Context, string) (decimal.Decimal, error) {
	return p.cfg.Increment, nil
}

func (p *Paper) SessionWindow(_ context.Context, _ string) (session.Window, error) {
	local := p.now().In(p.cfg.Location)
	year, month, day := local.Date()
	return session.Window{
		Start: time.Date(year, month, day, p.cfg.SessionOpen.Hour, p.cfg.SessionOpen.Minute, 0, 0, p.cfg.Location),
		End:   time.Date(year, month, day, p.cfg.SessionClose.Hour, p.cfg.SessionClose.Minute, 0, 0, p.cfg.Location),
	}, nil
}

func (p *Paper) OnExecution(cb func(model.Fill)) {
	p.mu.Lock()
	p.execCb = cb
	p.mu.Unlock()
}

func (p *Paper) Connected() bool { return true }
