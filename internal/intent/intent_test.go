package intent

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipper/internal/model"
	"dipper/pkg/exception"
)

const day = model.Day("2026-03-10")

func ref(id string, tag model.OrderTag) model.OrderRef {
	return model.OrderRef{ID: id, ClientID: tag.ClientIDPrefix() + id, Tag: tag, Day: day}
}

func check(t *testing.T, r *Record) {
	t.Helper()
	require.NoError(t, r.CheckInvariants())
}

func TestEntryLifecycle(t *testing.T) {
	r := &Record{Symbol: "AAPL"}
	limit := decimal.RequireFromString("98.00")

	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), 102, limit, day))
	check(t, r)
	assert.Equal(t, StateEntryPending, r.State)
	assert.Equal(t, day, r.LastActionDate)

	// A second entry on the same record must be refused.
	err := r.BeginEntry(ref("2", model.OrderTagEntry), 50, limit, day)
	assert.ErrorIs(t, err, exception.ErrIntentInvalidTransition)

	complete, err := r.ApplyEntryFill(40)
	require.NoError(t, err)
	check(t, r)
	assert.False(t, complete)
	assert.Equal(t, int64(40), r.EntryFilled)

	complete, err = r.ApplyEntryFill(62)
	require.NoError(t, err)
	check(t, r)
	assert.True(t, complete)
	assert.Equal(t, StatePositionOpen, r.State)
	assert.Equal(t, int64(102), r.Position)
	assert.True(t, r.Entry.IsZero())
}

func TestClearEntryPreservesActionDate(t *testing.T) {
	r := &Record{Symbol: "AAPL"}
	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), 10, decimal.NewFromInt(98), day))
	require.NoError(t, r.ClearEntry())
	check(t, r)

	assert.Equal(t, StateFlat, r.State)
	assert.Equal(t, day, r.LastActionDate, "a cleared entry must still consume the day's decision")
	err := r.ClearEntry()
	assert.ErrorIs(t, err, exception.ErrIntentNoEntry)
}

func TestStopAttachAndPendingRepair(t *testing.T) {
	r := &Record{Symbol: "AAPL"}
	stop := decimal.RequireFromString("93.10")

	// No position yet: both paths must refuse.
	assert.ErrorIs(t, r.AttachStop(ref("9", model.OrderTagProtective), stop), exception.ErrIntentNoPosition)
	assert.ErrorIs(t, r.MarkStopPending(stop, 10), exception.ErrIntentNoPosition)

	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), 10, decimal.NewFromInt(98), day))
	_, err := r.ApplyEntryFill(10)
	require.NoError(t, err)

	require.NoError(t, r.MarkStopPending(stop, 10))
	check(t, r)
	assert.True(t, r.StopPending())

	require.NoError(t, r.AttachStop(ref("2", model.OrderTagProtective), stop))
	check(t, r)
	assert.False(t, r.StopPending())
	assert.Equal(t, stop, r.StopPrice)
}

func TestExitFillFromStop(t *testing.T) {
	r := openPosition(t, 10)

	flat, orphan, err := r.ApplyExitFill(10, true)
	require.NoError(t, err)
	check(t, r)
	assert.True(t, flat)
	assert.True(t, orphan.IsZero(), "a stop fill leaves nothing to cancel")
	assert.Equal(t, StateFlat, r.State)
	assert.Equal(t, day, r.LastActionDate)
}

func TestExitFillFromCloseOutOrphansStop(t *testing.T) {
	r := openPosition(t, 10)
	require.NoError(t, r.MarkExitIssued(ref("3", model.OrderTagClose), day))
	assert.Equal(t, day, r.ExitIssuedDate)

	flat, orphan, err := r.ApplyExitFill(10, false)
	require.NoError(t, err)
	check(t, r)
	assert.True(t, flat)
	assert.Equal(t, "2", orphan.ID, "the working stop must surface for cancellation")
}

func TestPartialExitKeepsPositionOpen(t *testing.T) {
	r := openPosition(t, 10)

	flat, orphan, err := r.ApplyExitFill(4, true)
	require.NoError(t, err)
	check(t, r)
	assert.False(t, flat)
	assert.True(t, orphan.IsZero())
	assert.Equal(t, int64(6), r.Position)
	assert.Equal(t, StatePositionOpen, r.State)
}

func TestInvalidFills(t *testing.T) {
	r := &Record{Symbol: "AAPL"}
	_, err := r.ApplyEntryFill(5)
	assert.ErrorIs(t, err, exception.ErrIntentNoEntry)
	_, _, err = r.ApplyExitFill(5, true)
	assert.ErrorIs(t, err, exception.ErrIntentNoPosition)

	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), 10, decimal.NewFromInt(98), day))
	_, err = r.ApplyEntryFill(0)
	assert.ErrorIs(t, err, exception.ErrIntentInvalidFill)
	_, err = r.ApplyEntryFill(-3)
	assert.ErrorIs(t, err, exception.ErrIntentInvalidFill)
}

func TestRehydrate(t *testing.T) {
	r := &Record{Symbol: "AAPL"}
	r.RehydrateEntry(ref("7", model.OrderTagEntry), 20, 5, decimal.NewFromInt(98), day)
	check(t, r)
	assert.Equal(t, StateEntryPending, r.State)
	assert.Equal(t, day, r.LastActionDate, "rehydration must not allow a second entry today")

	r.Reset()
	r.RehydratePosition(20, ref("8", model.OrderTagProtective), decimal.RequireFromString("93.10"), day)
	check(t, r)
	assert.Equal(t, StatePositionOpen, r.State)
	assert.Equal(t, int64(20), r.Position)
	assert.Equal(t, "8", r.Stop.ID)
}

func TestForceFlat(t *testing.T) {
	r := openPosition(t, 10)
	require.NoError(t, r.MarkExitIssued(ref("3", model.OrderTagClose), day))

	r.ForceFlat()
	check(t, r)
	assert.Equal(t, StateFlat, r.State)
	assert.Zero(t, r.Position)
	assert.True(t, r.Stop.IsZero())
	assert.Equal(t, day, r.LastActionDate, "dates survive a forced flatten")
	assert.Equal(t, day, r.ExitIssuedDate)
}

func TestTracker(t *testing.T) {
	tr := NewTracker([]string{"AAPL", "MSFT", "AAPL"})

	r, err := tr.Record("AAPL")
	require.NoError(t, err)
	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), 10, decimal.NewFromInt(98), day))

	_, err = tr.Record("TSLA")
	assert.ErrorIs(t, err, exception.ErrIntentUnknownSymbol)
	assert.True(t, tr.Tracked("MSFT"))
	assert.False(t, tr.Tracked("TSLA"))

	found, ok := tr.FindByOrderID("1")
	require.True(t, ok)
	assert.Equal(t, "AAPL", found.Symbol)
	_, ok = tr.FindByOrderID("404")
	assert.False(t, ok)
	_, ok = tr.FindByOrderID("")
	assert.False(t, ok, "an empty id must not match a flat record's zero refs")

	var visited []string
	tr.Each(func(r *Record) { visited = append(visited, r.Symbol) })
	assert.Equal(t, []string{"AAPL", "MSFT"}, visited)
}

func openPosition(t *testing.T, qty int64) *Record {
	t.Helper()
	r := &Record{Symbol: "AAPL"}
	require.NoError(t, r.BeginEntry(ref("1", model.OrderTagEntry), qty, decimal.NewFromInt(98), day))
	complete, err := r.ApplyEntryFill(qty)
	require.NoError(t, err)
	require.True(t, complete)
	require.NoError(t, r.AttachStop(ref("2", model.OrderTagProtective), decimal.RequireFromString("93.10")))
	return r
}
