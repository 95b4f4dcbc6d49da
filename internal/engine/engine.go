// Package engine drives the strategy: a single goroutine consumes a merged
// queue of reconcile ticks, broker executions, and resync requests, and
// advances each symbol's Order Intent through its lifecycle. The single
// consumer is what serializes intent mutation; nothing else touches the
// tracker.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"dipper/internal/broker"
	"dipper/internal/bus"
	"dipper/internal/config"
	"dipper/internal/intent"
	"dipper/internal/journal"
	"dipper/internal/market"
	"dipper/internal/model"
	"dipper/internal/obs"
	"dipper/internal/risk"
	"dipper/internal/session"
)

var one = decimal.NewFromInt(1)

// Engine owns the reconciliation loop and the fill handler.
type Engine struct {
	cfg      config.Config
	store    *market.Store
	calendar *session.Calendar
	gateway  broker.Gateway
	tracker  *intent.Tracker
	risk     *risk.Engine
	queue    *bus.Queue
	journal  *journal.Journal

	now      func() time.Time
	interval time.Duration
	episodes *episodes

	tickPending atomic.Bool
	increments  map[string]decimal.Decimal
	needResync  bool

	// Cancels that failed once and must not be forgotten; retried each tick.
	pendingCancels []model.OrderRef
}

// New assembles an engine over a gateway and market store.
func New(cfg config.Config, store *market.Store, gateway broker.Gateway, jrnl *journal.Journal) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		calendar:   session.NewCalendar(gateway),
		gateway:    gateway,
		tracker:    intent.NewTracker(cfg.Tickers()),
		risk:       risk.NewEngine(cfg.Risk),
		queue:      bus.NewQueue(256),
		journal:    jrnl,
		now:        time.Now,
		interval:   time.Second,
		episodes:   newEpisodes(),
		increments: make(map[string]decimal.Decimal, len(cfg.Symbols)),
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Tracker exposes intent records for rehydration checks in tests and for the
// startup reconciliation.
func (e *Engine) Tracker() *intent.Tracker {
	return e.tracker
}

// PushExecution feeds a broker execution into the event queue. Safe to call
// from any goroutine; the tracker's symbol set is fixed after construction.
func (e *Engine) PushExecution(fill model.Fill) {
	if !e.tracker.Tracked(fill.Symbol) {
		logs.Debugf("dropping execution for unconfigured symbol %s", fill.Symbol)
		return
	}
	if err := e.queue.TryPublish(bus.Event{Kind: bus.EventExecution, Fill: fill, At: e.now()}); err != nil {
		obs.IncQueueDrop()
		logs.Errorf("execution event dropped for %s order %s: %+v", fill.Symbol, fill.OrderID, err)
	}
}

// RequestResync schedules a broker state re-query, typically after a
// reconnect.
func (e *Engine) RequestResync() {
	if err := e.queue.TryPublish(bus.Event{Kind: bus.EventResync, At: e.now()}); err != nil {
		obs.IncQueueDrop()
		logs.Errorf("resync event dropped: %+v", err)
	}
}

// Run blocks consuming events until the context is done. The reconcile
// ticker collapses onto at most one pending tick so a slow pass cannot build
// a backlog.
func (e *Engine) Run(ctx context.Context) {
	go e.tickLoop(ctx)
	e.queue.Run(ctx, func(ev bus.Event) {
		e.handle(ctx, ev)
	})
}

// Close stops the event queue.
func (e *Engine) Close() {
	e.queue.Close()
}

func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.tickPending.CompareAndSwap(false, true) {
				continue
			}
			if err := e.queue.TryPublish(bus.Event{Kind: bus.EventReconcile, At: e.now()}); err != nil {
				e.tickPending.Store(false)
				obs.IncQueueDrop()
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.EventReconcile:
		e.tickPending.Store(false)
		e.reconcileAll(ctx)
	case bus.EventExecution:
		e.handleExecution(ctx, ev.Fill)
	case bus.EventResync:
		e.resync(ctx)
	}
}

// increment returns the cached minimum price increment for a symbol, looking
// it up on first use.
func (e *Engine) increment(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if incr, ok := e.increments[symbol]; ok {
		return incr, nil
	}
	incr, err := e.gateway.MinIncrement(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !incr.IsPositive() {
		incr = decimal.New(1, -2)
	}
	e.increments[symbol] = incr
	return incr, nil
}

// roundDownTo truncates price to a whole number of increments.
func roundDownTo(price, increment decimal.Decimal) decimal.Decimal {
	return price.Div(increment).Floor().Mul(increment)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
