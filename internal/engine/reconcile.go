package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dipper/internal/config"
	"dipper/internal/intent"
	"dipper/internal/model"
	"dipper/internal/obs"
)

// reconcileAll runs one reconciliation tick. Symbols are fault-isolated: one
// symbol's failure is observed and the rest of the tick proceeds.
func (e *Engine) reconcileAll(ctx context.Context) {
	obs.IncReconcileTick()

	if !e.gateway.Connected() {
		// Order flow is suspended until the supervisor restores the
		// connection and a resync runs. Snapshots keep refreshing.
		return
	}

	if e.needResync {
		e.resync(ctx)
		if e.needResync {
			return
		}
	}

	e.retryPendingCancels(ctx)

	for _, sym := range e.cfg.Symbols {
		rec, err := e.tracker.Record(sym.Ticker)
		if err != nil {
			continue
		}
		err = e.reconcileSymbol(ctx, sym, rec)
		if err != nil {
			obs.IncSymbolError(sym.Ticker)
		}
		e.episodes.observe("reconcile "+sym.Ticker, err)
	}
}

// retryPendingCancels re-issues cancels that failed when their position went
// flat. A stop the broker still works after its position is gone is residual
// exposure.
func (e *Engine) retryPendingCancels(ctx context.Context) {
	remaining := e.pendingCancels[:0]
	for _, ref := range e.pendingCancels {
		if err := e.gateway.Cancel(ctx, ref); err != nil {
			remaining = append(remaining, ref)
			continue
		}
		obs.IncCancel(ref.Tag.String())
		logs.Infof("cancelled lingering %s order %s", ref.Tag, ref.ID)
	}
	e.pendingCancels = remaining
}

// reconcileSymbol advances one symbol at most one order action per tick,
// evaluated in priority order: stale-entry cleanup, position close-out,
// protective-order repair, unfilled-entry close-out, entry trigger. Close-out
// precedence over a simultaneous trigger is structural: the trigger requires
// the close time not to have been reached.
func (e *Engine) reconcileSymbol(ctx context.Context, sym config.Symbol, rec *intent.Record) error {
	now := e.now()
	today := model.DayOf(now, sym.Location)

	// Entry orders left over from a prior day that died without a fill and
	// without a synchronously observed event.
	if rec.State == intent.StateEntryPending && rec.Entry.Day != today {
		status, err := e.gateway.OrderStatus(ctx, rec.Entry)
		if err != nil {
			return errors.Wrap(err, "query stale entry status")
		}
		if status.TerminalWithoutFill() {
			logs.Infof("clearing stale %s entry order %s from %s (%s)", sym.Ticker, rec.Entry.ID, rec.Entry.Day, status)
			return rec.ClearEntry()
		}
	}

	closeReached := sym.CloseTime.Reached(now, sym.Location)

	if rec.State == intent.StatePositionOpen && closeReached && rec.ExitIssuedDate != today {
		ref, err := e.gateway.SubmitMarketSell(ctx, sym.Ticker, abs64(rec.Position))
		if err != nil {
			obs.IncOrderFailure("market_sell")
			return errors.Wrap(err, "submit close-out market sell")
		}
		obs.IncOrderSubmitted(model.OrderTagClose.String())
		e.journal.RecordOrder(sym.Ticker, ref, model.OrderSideSell, abs64(rec.Position), "")
		logs.Infof("close-out market sell submitted for %s qty=%d", sym.Ticker, abs64(rec.Position))
		// Position and stop bookkeeping are cleared by the resulting fill,
		// not here.
		return rec.MarkExitIssued(ref, today)
	}

	if rec.StopPending() {
		if rec.ExitIssuedDate == today {
			// The close-out will flatten the position; a late stop would
			// only be cancelled again.
			return nil
		}
		return e.submitStop(ctx, sym, rec, rec.PendingStopPrice, rec.PendingStopQty)
	}

	if rec.State == intent.StateEntryPending && closeReached {
		if err := e.gateway.Cancel(ctx, rec.Entry); err != nil {
			obs.IncOrderFailure("cancel")
			return errors.Wrap(err, "cancel unfilled entry")
		}
		obs.IncCancel(model.OrderTagEntry.String())
		logs.Infof("cancelled unfilled %s entry order %s at close-out", sym.Ticker, rec.Entry.ID)
		return rec.ClearEntry()
	}

	if rec.State == intent.StateFlat && rec.LastActionDate != today && !closeReached {
		return e.tryEntry(ctx, sym, rec, today)
	}

	return nil
}

// tryEntry checks the drop trigger and submits the entry limit buy.
func (e *Engine) tryEntry(ctx context.Context, sym config.Symbol, rec *intent.Record, today model.Day) error {
	snap := e.store.Snapshot(sym.Ticker)
	if !snap.Usable(today) {
		return nil
	}
	if !e.calendar.IsOpen(ctx, sym.Ticker, e.now(), sym.Location) {
		return nil
	}

	drop := snap.Last.Sub(snap.Open).Div(snap.Open)
	if drop.GreaterThan(sym.Trigger) {
		return nil
	}

	incr, err := e.increment(ctx, sym.Ticker)
	if err != nil {
		return errors.Wrap(err, "lookup price increment")
	}
	limit := roundDownTo(snap.Open.Mul(one.Add(sym.Offset)), incr)

	var qty int64
	if limit.IsPositive() {
		qty = e.cfg.BaseCapital.Mul(sym.Size).Div(limit).Floor().IntPart()
	}
	if err := e.risk.Check(qty, limit); err != nil {
		// The decision for the day is consumed either way; otherwise the
		// same rejection would recur every tick while the trigger holds.
		rec.LastActionDate = today
		logs.Warnf("entry for %s rejected locally (qty=%d limit=%s): %+v", sym.Ticker, qty, limit, err)
		return nil
	}

	ref, err := e.gateway.SubmitLimitBuy(ctx, sym.Ticker, qty, limit)
	if err != nil {
		obs.IncOrderFailure("limit_buy")
		return errors.Wrap(err, "submit entry limit buy").With("symbol", sym.Ticker)
	}
	obs.IncOrderSubmitted(model.OrderTagEntry.String())
	e.journal.RecordOrder(sym.Ticker, ref, model.OrderSideBuy, qty, limit.String())
	logs.Infof("entry submitted for %s: drop=%s limit=%s qty=%d", sym.Ticker, drop.StringFixed(4), limit, qty)
	return rec.BeginEntry(ref, qty, limit, today)
}

// submitStop places the protective stop, rounding the raw stop price down to
// the instrument increment. On failure the stop stays pending so the next
// tick retries; a position is never left silently unprotected.
func (e *Engine) submitStop(ctx context.Context, sym config.Symbol, rec *intent.Record, rawStop decimal.Decimal, qty int64) error {
	incr, err := e.increment(ctx, sym.Ticker)
	if err != nil {
		if markErr := rec.MarkStopPending(rawStop, qty); markErr != nil {
			return markErr
		}
		return errors.Wrap(err, "lookup price increment for stop")
	}
	stop := roundDownTo(rawStop, incr)

	ref, err := e.gateway.SubmitStopSell(ctx, sym.Ticker, qty, stop)
	if err != nil {
		obs.IncOrderFailure("stop_sell")
		if markErr := rec.MarkStopPending(rawStop, qty); markErr != nil {
			return markErr
		}
		return errors.Wrap(err, "submit protective stop").With("symbol", sym.Ticker)
	}
	obs.IncOrderSubmitted(model.OrderTagProtective.String())
	e.journal.RecordOrder(sym.Ticker, ref, model.OrderSideSell, qty, stop.String())
	logs.Infof("protective stop attached for %s: stop=%s qty=%d", sym.Ticker, stop, qty)
	return rec.AttachStop(ref, stop)
}
