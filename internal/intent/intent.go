// Package intent tracks, per symbol, what the engine believes it has asked
// the broker to do. The broker stays the system of record; these records are
// the local side of the reconciliation and enforce one entry decision per
// symbol per trading day.
package intent

import (
	"github.com/shopspring/decimal"

	"dipper/internal/model"
	"dipper/pkg/exception"
)

// State is the per-symbol lifecycle position.
type State uint16

const (
	StateFlat State = iota
	StateEntryPending
	StatePositionOpen
)

func (s State) String() string {
	switch s {
	case StateFlat:
		return "flat"
	case StateEntryPending:
		return "entry_pending"
	case StatePositionOpen:
		return "position_open"
	default:
		return "unknown"
	}
}

// Record is the Order Intent for one symbol. It is mutated only by the engine
// goroutine; the single event consumer is the serialization point.
type Record struct {
	Symbol string
	State  State

	Entry       model.OrderRef
	EntryQty    int64
	EntryFilled int64
	EntryLimit  decimal.Decimal

	Stop             model.OrderRef
	StopPrice        decimal.Decimal
	PendingStopPrice decimal.Decimal
	PendingStopQty   int64

	Exit model.OrderRef

	Position       int64
	LastActionDate model.Day
	ExitIssuedDate model.Day
}

// BeginEntry records a freshly submitted entry order and consumes the
// symbol's entry decision for the day.
func (r *Record) BeginEntry(ref model.OrderRef, qty int64, limit decimal.Decimal, day model.Day) error {
	if r.State != StateFlat {
		return exception.ErrIntentInvalidTransition
	}
	if !r.Entry.IsZero() {
		return exception.ErrIntentEntryExists
	}
	r.Entry = ref
	r.EntryQty = qty
	r.EntryFilled = 0
	r.EntryLimit = limit
	r.LastActionDate = day
	r.State = StateEntryPending
	return nil
}

// ClearEntry drops the in-flight entry and returns to flat. Used both for the
// same-day close-out cancel and for stale terminal orders observed on a later
// day; LastActionDate is preserved so a same-day cancel cannot re-enter.
func (r *Record) ClearEntry() error {
	if r.State != StateEntryPending {
		return exception.ErrIntentNoEntry
	}
	r.Entry = model.OrderRef{}
	r.EntryQty = 0
	r.EntryFilled = 0
	r.EntryLimit = decimal.Decimal{}
	r.State = StateFlat
	return nil
}

// ApplyEntryFill accumulates an execution against the in-flight entry and
// reports whether the entry is now completely filled. On completion the
// position opens for the full requested quantity.
func (r *Record) ApplyEntryFill(qty int64) (complete bool, err error) {
	if r.State != StateEntryPending {
		return false, exception.ErrIntentNoEntry
	}
	if qty <= 0 {
		return false, exception.ErrIntentInvalidFill
	}
	r.EntryFilled += qty
	if r.EntryFilled < r.EntryQty {
		return false, nil
	}
	r.Position += r.EntryQty
	r.Entry = model.OrderRef{}
	r.State = StatePositionOpen
	return true, nil
}

// AttachStop records the protective order guarding the open position.
func (r *Record) AttachStop(ref model.OrderRef, price decimal.Decimal) error {
	if r.State != StatePositionOpen || r.Position == 0 {
		return exception.ErrIntentNoPosition
	}
	r.Stop = ref
	r.StopPrice = price
	r.PendingStopPrice = decimal.Decimal{}
	r.PendingStopQty = 0
	return nil
}

// MarkStopPending remembers a protective order that failed to submit so the
// reconcile loop can retry it. The position is never silently unprotected.
func (r *Record) MarkStopPending(price decimal.Decimal, qty int64) error {
	if r.State != StatePositionOpen || r.Position == 0 {
		return exception.ErrIntentNoPosition
	}
	r.PendingStopPrice = price
	r.PendingStopQty = qty
	return nil
}

// StopPending reports whether a protective order still needs submitting.
func (r *Record) StopPending() bool {
	return r.State == StatePositionOpen && r.Stop.IsZero() && r.PendingStopQty > 0
}

// MarkExitIssued records the close-out market order for the day.
func (r *Record) MarkExitIssued(ref model.OrderRef, day model.Day) error {
	if r.State != StatePositionOpen {
		return exception.ErrIntentNoPosition
	}
	r.Exit = ref
	r.ExitIssuedDate = day
	return nil
}

// ApplyExitFill reduces the position by an executed sell. When the position
// reaches zero the record resets to flat; orphan carries the protective order
// that must be cancelled when the zeroing fill did not come from the stop
// itself.
func (r *Record) ApplyExitFill(qty int64, fromStop bool) (flat bool, orphan model.OrderRef, err error) {
	if r.State != StatePositionOpen {
		return false, model.OrderRef{}, exception.ErrIntentNoPosition
	}
	if qty <= 0 {
		return false, model.OrderRef{}, exception.ErrIntentInvalidFill
	}
	r.Position -= qty
	if r.Position > 0 {
		return false, model.OrderRef{}, nil
	}
	r.Position = 0
	if !fromStop && !r.Stop.IsZero() {
		orphan = r.Stop
	}
	r.Stop = model.OrderRef{}
	r.StopPrice = decimal.Decimal{}
	r.PendingStopPrice = decimal.Decimal{}
	r.PendingStopQty = 0
	r.Exit = model.OrderRef{}
	r.State = StateFlat
	return true, orphan, nil
}

// RehydrateEntry restores an entry still in flight at the broker. The action
// date is today so the trigger cannot fire again.
func (r *Record) RehydrateEntry(ref model.OrderRef, qty, filled int64, limit decimal.Decimal, today model.Day) {
	r.Entry = ref
	r.EntryQty = qty
	r.EntryFilled = filled
	r.EntryLimit = limit
	r.LastActionDate = today
	r.State = StateEntryPending
}

// RehydratePosition restores a broker-held position with its protective
// order, if one was found.
func (r *Record) RehydratePosition(qty int64, stop model.OrderRef, stopPrice decimal.Decimal, today model.Day) {
	r.Position = qty
	r.Stop = stop
	r.StopPrice = stopPrice
	r.LastActionDate = today
	r.State = StatePositionOpen
}

// ForceFlat clears every in-flight reference while preserving the daily
// bookkeeping dates. Used when a resync finds the broker flat.
func (r *Record) ForceFlat() {
	r.Entry = model.OrderRef{}
	r.EntryQty = 0
	r.EntryFilled = 0
	r.EntryLimit = decimal.Decimal{}
	r.Stop = model.OrderRef{}
	r.StopPrice = decimal.Decimal{}
	r.PendingStopPrice = decimal.Decimal{}
	r.PendingStopQty = 0
	r.Exit = model.OrderRef{}
	r.Position = 0
	r.State = StateFlat
}

// Reset clears everything back to an empty flat record.
func (r *Record) Reset() {
	*r = Record{Symbol: r.Symbol}
}

// CheckInvariants validates the record's structural invariants. Tests call it
// after every simulated event.
func (r *Record) CheckInvariants() error {
	if !r.Stop.IsZero() && r.Position == 0 {
		return exception.ErrIntentInvalidTransition
	}
	if !r.Entry.IsZero() && r.State != StateEntryPending {
		return exception.ErrIntentInvalidTransition
	}
	if r.State == StatePositionOpen && r.Position == 0 {
		return exception.ErrIntentInvalidTransition
	}
	return nil
}
