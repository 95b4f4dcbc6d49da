package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dipper/internal/intent"
	"dipper/internal/model"
	"dipper/internal/obs"
)

// brokerState is one snapshot of the broker's truth, keyed the way
// rehydration and resync consume it.
type brokerState struct {
	positions map[string]int64       // symbol -> signed quantity
	entries   map[string]model.Order // symbol -> working entry buy
	stops     map[string]model.Order // symbol -> working protective stop
	closes    map[string]model.Order // symbol -> working close-out sell
	unknown   []model.Order
}

func (e *Engine) queryBroker(ctx context.Context) (brokerState, error) {
	st := brokerState{
		positions: make(map[string]int64),
		entries:   make(map[string]model.Order),
		stops:     make(map[string]model.Order),
		closes:    make(map[string]model.Order),
	}

	orders, err := e.gateway.OpenOrders(ctx)
	if err != nil {
		return st, errors.Wrap(err, "list open orders")
	}
	positions, err := e.gateway.OpenPositions(ctx)
	if err != nil {
		return st, errors.Wrap(err, "list open positions")
	}

	for _, p := range positions {
		if p.Qty != 0 {
			st.positions[p.Symbol] = p.Qty
		}
	}
	for _, o := range orders {
		tag := o.Ref.Tag
		if tag == model.OrderTagUnknown {
			tag = model.TagFromClientID(o.Ref.ClientID)
		}
		switch tag {
		case model.OrderTagEntry:
			o.Ref.Tag = tag
			st.entries[o.Symbol] = o
		case model.OrderTagProtective:
			o.Ref.Tag = tag
			st.stops[o.Symbol] = o
		case model.OrderTagClose:
			o.Ref.Tag = tag
			st.closes[o.Symbol] = o
		default:
			st.unknown = append(st.unknown, o)
		}
	}
	return st, nil
}

// Rehydrate rebuilds the intent tracker from broker state at startup. It must
// complete before the event loop starts: a restart mid-session with a held
// position or a working entry resumes exactly where the previous process
// stopped, without re-deciding the day's entry.
func (e *Engine) Rehydrate(ctx context.Context) error {
	st, err := e.queryBroker(ctx)
	if err != nil {
		return errors.Wrap(err, "rehydrate")
	}

	for _, sym := range e.cfg.Symbols {
		rec, err := e.tracker.Record(sym.Ticker)
		if err != nil {
			continue
		}
		today := model.DayOf(e.now(), sym.Location)

		if qty, held := st.positions[sym.Ticker]; held {
			stop, hasStop := st.stops[sym.Ticker]
			delete(st.stops, sym.Ticker)
			rec.RehydratePosition(qty, stop.Ref, stop.Stop, today)
			obs.SetPosition(sym.Ticker, qty)
			if hasStop {
				logs.Infof("rehydrated %s: position %d with stop %s @ %s", sym.Ticker, qty, stop.Ref.ID, stop.Stop)
			} else {
				// No stop price is recoverable without the entry fill, so
				// the close-out path is the only protection left today.
				logs.Warnf("rehydrated %s: position %d without protective stop", sym.Ticker, qty)
			}
			if entry, ok := st.entries[sym.Ticker]; ok {
				delete(st.entries, sym.Ticker)
				e.cancelResidual(ctx, entry.Ref, "entry alongside held position")
			}
			continue
		}

		if entry, ok := st.entries[sym.Ticker]; ok {
			delete(st.entries, sym.Ticker)
			ref := entry.Ref
			if ref.Day.IsZero() {
				ref.Day = today
			}
			rec.RehydrateEntry(ref, entry.Qty, entry.FilledQty, entry.Limit, today)
			logs.Infof("rehydrated %s: working entry %s qty=%d filled=%d", sym.Ticker, ref.ID, entry.Qty, entry.FilledQty)
		}
	}

	// Whatever is left has no matching local intent. A protective stop with
	// no position, or a stray close-out, is residual exposure from a prior
	// crash window.
	for _, o := range st.stops {
		e.cancelResidual(ctx, o.Ref, "stop without position")
	}
	for _, o := range st.closes {
		e.cancelResidual(ctx, o.Ref, "close-out without position")
	}
	for _, o := range st.unknown {
		logs.Warnf("ignoring foreign open order %s (%s) on %s", o.Ref.ID, o.Ref.ClientID, o.Symbol)
	}
	return nil
}

// resync reconciles local intents against broker truth after a connection
// gap. While disconnected the broker keeps working GTC orders, so anything
// may have filled, expired, or been cancelled in the meantime.
func (e *Engine) resync(ctx context.Context) {
	st, err := e.queryBroker(ctx)
	if err != nil {
		// Stay suspended; the supervisor re-requests a resync only on the
		// next reconnect, so a failed query retries from the tick loop.
		e.needResync = true
		logs.Errorf("resync query failed, will retry: %+v", err)
		return
	}
	e.needResync = false
	e.calendar.Invalidate()

	e.tracker.Each(func(rec *intent.Record) {
		e.resyncSymbol(ctx, rec, st)
	})
	logs.Info("resync complete")
}

func (e *Engine) resyncSymbol(ctx context.Context, rec *intent.Record, st brokerState) {
	sym, ok := e.cfg.Symbol(rec.Symbol)
	if !ok {
		return
	}
	today := model.DayOf(e.now(), sym.Location)
	brokerQty := st.positions[rec.Symbol]

	switch rec.State {
	case intent.StateEntryPending:
		if entry, working := st.entries[rec.Symbol]; working {
			// The entry is still being worked, so the broker's fill count
			// is the truth for its progress. The record stays EntryPending
			// and the remaining shares fill through normal executions; the
			// position must not be opened for quantity the account does
			// not hold yet.
			if delta := entry.FilledQty - rec.EntryFilled; delta > 0 {
				if _, err := rec.ApplyEntryFill(delta); err != nil {
					logs.Errorf("resync: adopt entry fills for %s: %+v", rec.Symbol, err)
					return
				}
				logs.Warnf("resync: %s entry partially filled while disconnected: %d/%d", rec.Symbol, rec.EntryFilled, rec.EntryQty)
			}
			return
		}
		if brokerQty != 0 {
			// The entry finished during the gap and its executions were
			// lost; the broker position is the truth for its outcome,
			// including a partial fill followed by a broker-side cancel.
			limit := rec.EntryLimit
			rec.ForceFlat()
			stop, hasStop := st.stops[rec.Symbol]
			rec.RehydratePosition(brokerQty, stop.Ref, stop.Stop, today)
			obs.SetPosition(rec.Symbol, brokerQty)
			logs.Warnf("resync: %s entry filled while disconnected, position %d", rec.Symbol, brokerQty)
			if hasStop {
				return
			}
			// The fill price was lost with the execution; the entry limit
			// is the worst fillable price and so the conservative basis.
			rawStop := limit.Mul(one.Sub(sym.StopLoss))
			if err := e.submitStop(ctx, sym, rec, rawStop, brokerQty); err != nil {
				logs.Warnf("resync: protective stop for %s deferred: %+v", rec.Symbol, err)
			}
			return
		}
		// The order is gone and no position appeared: it died without a
		// fill. The day's decision stays consumed.
		logs.Infof("resync: %s entry %s vanished without fill", rec.Symbol, rec.Entry.ID)
		if err := rec.ClearEntry(); err != nil {
			logs.Errorf("resync: clear entry for %s: %+v", rec.Symbol, err)
		}

	case intent.StatePositionOpen:
		if brokerQty == 0 {
			// The stop (or close-out) filled during the gap.
			logs.Warnf("resync: %s position exited while disconnected", rec.Symbol)
			rec.ForceFlat()
			obs.SetPosition(rec.Symbol, 0)
			if stop, hasStop := st.stops[rec.Symbol]; hasStop {
				e.cancelResidual(ctx, stop.Ref, "stop after exit during gap")
			}
			return
		}
		if brokerQty != rec.Position {
			logs.Warnf("resync: %s position %d adjusted to broker's %d", rec.Symbol, rec.Position, brokerQty)
			rec.Position = brokerQty
			obs.SetPosition(rec.Symbol, brokerQty)
		}
		if _, hasStop := st.stops[rec.Symbol]; !hasStop && !rec.Stop.IsZero() {
			// The stop vanished without flattening the position. Re-arm it
			// at the same price through the pending-stop repair path.
			price := rec.StopPrice
			rec.Stop = model.OrderRef{}
			rec.StopPrice = decimal.Decimal{}
			if err := rec.MarkStopPending(price, rec.Position); err != nil {
				logs.Errorf("resync: mark stop pending for %s: %+v", rec.Symbol, err)
				return
			}
			logs.Warnf("resync: %s stop vanished, re-arming at %s", rec.Symbol, price)
		}

	case intent.StateFlat:
		if brokerQty != 0 {
			stop, hasStop := st.stops[rec.Symbol]
			rec.RehydratePosition(brokerQty, stop.Ref, stop.Stop, today)
			obs.SetPosition(rec.Symbol, brokerQty)
			if hasStop {
				logs.Warnf("resync: adopted unexpected %s position %d with stop %s", rec.Symbol, brokerQty, stop.Ref.ID)
			} else {
				logs.Warnf("resync: adopted unexpected %s position %d without stop", rec.Symbol, brokerQty)
			}
		}
	}
}

func (e *Engine) cancelResidual(ctx context.Context, ref model.OrderRef, why string) {
	if err := e.gateway.Cancel(ctx, ref); err != nil {
		obs.IncOrderFailure("cancel")
		logs.Errorf("cancel residual order %s (%s) failed, will retry: %+v", ref.ID, why, err)
		e.pendingCancels = append(e.pendingCancels, ref)
		return
	}
	obs.IncCancel(ref.Tag.String())
	logs.Infof("cancelled residual order %s: %s", ref.ID, why)
}
