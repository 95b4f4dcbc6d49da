package engine

import (
	"context"

	"github.com/yanun0323/logs"

	"dipper/internal/config"
	"dipper/internal/intent"
	"dipper/internal/model"
	"dipper/internal/obs"
)

// handleExecution applies one broker-reported fill. Fills for orders the
// tracker does not know are ignored.
func (e *Engine) handleExecution(ctx context.Context, fill model.Fill) {
	rec, ok := e.tracker.FindByOrderID(fill.OrderID)
	if !ok {
		logs.Warnf("ignoring fill for untracked order %s on %s", fill.OrderID, fill.Symbol)
		return
	}
	sym, ok := e.cfg.Symbol(rec.Symbol)
	if !ok {
		return
	}

	if !rec.Entry.IsZero() && fill.OrderID == rec.Entry.ID {
		e.applyEntryFill(ctx, sym, rec, fill)
		return
	}
	fromStop := !rec.Stop.IsZero() && fill.OrderID == rec.Stop.ID
	e.applyExitFill(ctx, rec, fill, fromStop)
}

func (e *Engine) applyEntryFill(ctx context.Context, sym config.Symbol, rec *intent.Record, fill model.Fill) {
	complete, err := rec.ApplyEntryFill(fill.Qty)
	if err != nil {
		logs.Errorf("entry fill for %s rejected by intent: %+v", fill.Symbol, err)
		return
	}
	obs.IncFill(model.OrderTagEntry.String())
	e.journal.RecordFill(fill, model.OrderTagEntry)
	if !complete {
		logs.Infof("partial entry fill for %s: %d/%d", fill.Symbol, rec.EntryFilled, rec.EntryQty)
		return
	}

	obs.SetPosition(fill.Symbol, rec.Position)
	logs.Infof("entry filled for %s: qty=%d price=%s", fill.Symbol, rec.Position, fill.Price)

	rawStop := fill.Price.Mul(one.Sub(sym.StopLoss))
	if err := e.submitStop(ctx, sym, rec, rawStop, rec.Position); err != nil {
		// The stop stays pending; the next reconcile tick retries it.
		logs.Warnf("protective stop for %s deferred: %+v", fill.Symbol, err)
	}
}

func (e *Engine) applyExitFill(ctx context.Context, rec *intent.Record, fill model.Fill, fromStop bool) {
	tag := model.OrderTagClose
	if fromStop {
		tag = model.OrderTagProtective
	}

	flat, orphan, err := rec.ApplyExitFill(fill.Qty, fromStop)
	if err != nil {
		logs.Errorf("exit fill for %s rejected by intent: %+v", fill.Symbol, err)
		return
	}
	obs.IncFill(tag.String())
	e.journal.RecordFill(fill, tag)
	obs.SetPosition(fill.Symbol, rec.Position)

	if !flat {
		return
	}
	logs.Infof("%s flat after %s fill of %d @ %s", fill.Symbol, tag, fill.Qty, fill.Price)
	if !orphan.IsZero() {
		if err := e.gateway.Cancel(ctx, orphan); err != nil {
			obs.IncOrderFailure("cancel")
			logs.Errorf("cancel orphaned stop %s for %s failed, will retry: %+v", orphan.ID, fill.Symbol, err)
			e.pendingCancels = append(e.pendingCancels, orphan)
			return
		}
		obs.IncCancel(model.OrderTagProtective.String())
		logs.Infof("cancelled orphaned stop %s for %s", orphan.ID, fill.Symbol)
	}
}
