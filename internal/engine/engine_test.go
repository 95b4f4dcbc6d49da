package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipper/internal/broker"
	"dipper/internal/config"
	"dipper/internal/intent"
	"dipper/internal/market"
	"dipper/internal/model"
	"dipper/internal/risk"
	"dipper/pkg/exception"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig(riskCfg risk.Config) config.Config {
	return config.Config{
		BaseCapital: decimal.NewFromInt(25000),
		Risk:        riskCfg,
		Symbols: []config.Symbol{{
			Ticker:    "AAPL",
			Venue:     "SMART",
			Trigger:   dec("-0.03"),
			Offset:    dec("-0.02"),
			StopLoss:  dec("0.05"),
			Size:      dec("0.4"),
			CloseTime: config.TimeOfDay{Hour: 15, Minute: 45},
			Location:  time.UTC,
		}},
	}
}

// scriptGateway wraps the paper gateway with scripted faults and, when
// scripted, a fixed open-order and position snapshot.
type scriptGateway struct {
	broker.Gateway
	failStopSubmits int
	failCancels     int
	disconnected    bool

	scripted          bool
	scriptedOrders    []model.Order
	scriptedPositions []model.Position
}

func (g *scriptGateway) SubmitStopSell(ctx context.Context, symbol string, qty int64, stop decimal.Decimal) (model.OrderRef, error) {
	if g.failStopSubmits > 0 {
		g.failStopSubmits--
		return model.OrderRef{}, exception.ErrBrokerDisconnected
	}
	return g.Gateway.SubmitStopSell(ctx, symbol, qty, stop)
}

func (g *scriptGateway) Cancel(ctx context.Context, ref model.OrderRef) error {
	if g.failCancels > 0 {
		g.failCancels--
		return exception.ErrBrokerDisconnected
	}
	return g.Gateway.Cancel(ctx, ref)
}

func (g *scriptGateway) OpenOrders(ctx context.Context) ([]model.Order, error) {
	if g.scripted {
		return g.scriptedOrders, nil
	}
	return g.Gateway.OpenOrders(ctx)
}

func (g *scriptGateway) OpenPositions(ctx context.Context) ([]model.Position, error) {
	if g.scripted {
		return g.scriptedPositions, nil
	}
	return g.Gateway.OpenPositions(ctx)
}

func (g *scriptGateway) Connected() bool {
	return !g.disconnected
}

// harness drives the engine deterministically: a fixed clock, the paper
// gateway behind scripted faults, and executions buffered the way the event
// queue defers them in production.
type harness struct {
	t       *testing.T
	at      time.Time
	paper   *broker.Paper
	gw      *scriptGateway
	store   *market.Store
	eng     *Engine
	pending []model.Fill
}

func newHarness(t *testing.T, riskCfg risk.Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		at:    time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		paper: broker.NewPaper(broker.PaperConfig{Location: time.UTC}),
		store: market.NewStore(),
	}
	h.paper.SetClock(h.clock)
	h.gw = &scriptGateway{Gateway: h.paper}
	h.eng = New(testConfig(riskCfg), h.store, h.gw, nil)
	h.eng.SetClock(h.clock)
	h.wireExecutions()
	return h
}

func (h *harness) clock() time.Time { return h.at }

func (h *harness) wireExecutions() {
	h.paper.OnExecution(func(f model.Fill) {
		h.pending = append(h.pending, f)
	})
}

// dropExecutions simulates a connection gap: broker fills happen but their
// executions never reach the engine.
func (h *harness) dropExecutions() {
	h.paper.OnExecution(nil)
}

// flush delivers buffered executions in order, after the action that caused
// them completed, matching the queue's serialization.
func (h *harness) flush() {
	for len(h.pending) > 0 {
		f := h.pending[0]
		h.pending = h.pending[1:]
		h.eng.handleExecution(context.Background(), f)
	}
}

func (h *harness) tick() {
	h.eng.reconcileAll(context.Background())
	h.flush()
}

// mark drives the simulated market and delivers any resulting fills.
func (h *harness) mark(price string) {
	h.store.UpdatePrice("AAPL", dec(price))
	h.paper.MarkPrice("AAPL", dec(price))
	h.flush()
}

func (h *harness) day() model.Day { return model.DayOf(h.at, time.UTC) }

func (h *harness) record() *intent.Record {
	rec, err := h.eng.tracker.Record("AAPL")
	require.NoError(h.t, err)
	return rec
}

func (h *harness) seedMarket(open, last string) {
	h.store.UpdateOpen("AAPL", dec(open), h.day())
	h.store.UpdatePrice("AAPL", dec(last))
}

func (h *harness) openOrders() []model.Order {
	orders, err := h.paper.OpenOrders(context.Background())
	require.NoError(h.t, err)
	return orders
}

func TestEntryTriggerMath(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")

	h.tick()

	rec := h.record()
	assert.Equal(t, intent.StateEntryPending, rec.State)
	assert.Equal(t, h.day(), rec.LastActionDate)

	orders := h.openOrders()
	require.Len(t, orders, 1)
	// limit = 100.00 * (1 - 0.02) truncated to the 0.01 increment,
	// qty = floor(25000 * 0.40 / 98.00).
	assert.Equal(t, "98", orders[0].Limit.String())
	assert.Equal(t, int64(102), orders[0].Qty)
	assert.Equal(t, model.OrderTagEntry, orders[0].Ref.Tag)
}

func TestEntryRequiresTriggerDepth(t *testing.T) {
	h := newHarness(t, risk.Config{})

	// -2.9% is short of the -3% trigger.
	h.seedMarket("100.00", "97.10")
	h.tick()
	assert.Equal(t, intent.StateFlat, h.record().State)
	assert.Empty(t, h.openOrders())

	// Exactly -3% fires.
	h.store.UpdatePrice("AAPL", dec("97.00"))
	h.tick()
	assert.Equal(t, intent.StateEntryPending, h.record().State)
	require.Len(t, h.openOrders(), 1)
}

func TestEntryNeedsUsableSnapshot(t *testing.T) {
	h := newHarness(t, risk.Config{})

	// Price without today's open: no decision.
	h.store.UpdatePrice("AAPL", dec("96.50"))
	h.tick()
	assert.Empty(t, h.openOrders())

	// Yesterday's open does not count either.
	h.store.UpdateOpen("AAPL", dec("100.00"), model.PriorDay(h.at, time.UTC))
	h.tick()
	assert.Empty(t, h.openOrders())
	assert.Equal(t, intent.StateFlat, h.record().State)
}

func TestSingleEntryPerDay(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")

	h.tick()
	h.tick()
	h.tick()
	assert.Len(t, h.openOrders(), 1, "the trigger must fire at most once per day")

	// Close-out cancels the unfilled entry; the day stays decided.
	h.at = time.Date(2026, 3, 10, 15, 45, 0, 0, time.UTC)
	h.tick()
	assert.Empty(t, h.openOrders())
	h.tick()
	assert.Empty(t, h.openOrders())

	// A new day with a fresh snapshot decides again.
	h.at = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	h.seedMarket("95.00", "91.00")
	h.tick()
	assert.Len(t, h.openOrders(), 1)
	assert.Equal(t, intent.StateEntryPending, h.record().State)
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()

	// Entry fills at the limit.
	h.mark("97.90")
	rec := h.record()
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.Equal(t, int64(102), rec.Position)

	// The protective stop followed the fill: 98.00 * (1 - 0.05).
	require.False(t, rec.Stop.IsZero())
	assert.Equal(t, "93.1", rec.StopPrice.String())

	// Repeated ticks change nothing while the position rides.
	before := len(h.openOrders())
	h.tick()
	h.tick()
	assert.Len(t, h.openOrders(), before)

	// Close time arrives: market sell, exit fill, orphaned stop cancelled.
	h.at = time.Date(2026, 3, 10, 15, 45, 0, 0, time.UTC)
	h.mark("95.00")
	h.tick()

	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Zero(t, rec.Position)
	assert.Empty(t, h.openOrders(), "the stop must not survive the close-out")

	positions, err := h.paper.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	// And the day stays decided.
	h.tick()
	assert.Equal(t, intent.StateFlat, rec.State)
}

func TestStopFillFlattens(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	h.mark("97.90")

	h.mark("93.00")
	rec := h.record()
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Empty(t, h.openOrders())

	// The day's decision is spent; no fresh entry despite the deep drop.
	h.tick()
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Empty(t, h.openOrders())
}

func TestCloseOutCancelsUnfilledEntry(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	require.Equal(t, intent.StateEntryPending, h.record().State)

	h.at = time.Date(2026, 3, 10, 15, 45, 0, 0, time.UTC)
	h.tick()

	rec := h.record()
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Empty(t, h.openOrders())
	assert.Equal(t, h.day(), rec.LastActionDate, "the cancelled entry still consumed the day")
}

func TestStopRepairAfterFailedSubmit(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.gw.failStopSubmits = 1
	h.seedMarket("100.00", "96.50")
	h.tick()

	h.mark("97.90")
	rec := h.record()
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.True(t, rec.StopPending(), "a failed stop submit must stay visible")
	assert.True(t, rec.Stop.IsZero())

	// The next tick repairs it at the originally computed price.
	h.tick()
	require.NoError(t, rec.CheckInvariants())
	assert.False(t, rec.StopPending())
	require.False(t, rec.Stop.IsZero())
	assert.Equal(t, "93.1", rec.StopPrice.String())
}

func TestOrphanCancelRetries(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	h.mark("97.90")

	// The close-out fill orphans the stop, and the cancel fails once.
	h.gw.failCancels = 1
	h.at = time.Date(2026, 3, 10, 15, 45, 0, 0, time.UTC)
	h.mark("95.00")
	h.tick()

	rec := h.record()
	assert.Equal(t, intent.StateFlat, rec.State)
	require.Len(t, h.openOrders(), 1, "the stop lingers after the failed cancel")
	require.Len(t, h.eng.pendingCancels, 1)

	h.tick()
	assert.Empty(t, h.openOrders())
	assert.Empty(t, h.eng.pendingCancels)
}

func TestDisconnectSuspendsOrderFlow(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.gw.disconnected = true
	h.seedMarket("100.00", "96.50")

	h.tick()
	assert.Equal(t, intent.StateFlat, h.record().State)
	assert.Empty(t, h.openOrders())

	h.gw.disconnected = false
	h.tick()
	assert.Equal(t, intent.StateEntryPending, h.record().State)
}

func TestRiskRejectionConsumesDay(t *testing.T) {
	h := newHarness(t, risk.Config{MaxOrderNotional: 5000})
	h.seedMarket("100.00", "96.50")

	h.tick()
	rec := h.record()
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Empty(t, h.openOrders())
	assert.Equal(t, h.day(), rec.LastActionDate, "a local rejection spends the day's decision")

	h.tick()
	assert.Empty(t, h.openOrders())
}

func TestRehydrateWorkingEntry(t *testing.T) {
	h := newHarness(t, risk.Config{})
	ref, err := h.paper.SubmitLimitBuy(context.Background(), "AAPL", 102, dec("98.00"))
	require.NoError(t, err)

	restarted := New(testConfig(risk.Config{}), h.store, h.gw, nil)
	restarted.SetClock(h.clock)
	require.NoError(t, restarted.Rehydrate(context.Background()))

	rec, err := restarted.tracker.Record("AAPL")
	require.NoError(t, err)
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateEntryPending, rec.State)
	assert.Equal(t, ref.ID, rec.Entry.ID)
	assert.Equal(t, int64(102), rec.EntryQty)
	assert.Equal(t, h.day(), rec.LastActionDate, "a rehydrated entry blocks a second trigger")

	// The restarted engine does not re-decide.
	h.seedMarket("100.00", "96.50")
	restarted.reconcileAll(context.Background())
	assert.Len(t, h.openOrders(), 1)
}

func TestRehydrateHeldPosition(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.paper.SeedPosition("AAPL", 102)
	stopRef, err := h.paper.SubmitStopSell(context.Background(), "AAPL", 102, dec("93.10"))
	require.NoError(t, err)

	restarted := New(testConfig(risk.Config{}), h.store, h.gw, nil)
	restarted.SetClock(h.clock)
	require.NoError(t, restarted.Rehydrate(context.Background()))

	rec, err := restarted.tracker.Record("AAPL")
	require.NoError(t, err)
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.Equal(t, int64(102), rec.Position)
	assert.Equal(t, stopRef.ID, rec.Stop.ID)
	assert.Equal(t, "93.1", rec.StopPrice.String())
}

func TestRehydrateCancelsOrphanedStop(t *testing.T) {
	h := newHarness(t, risk.Config{})
	_, err := h.paper.SubmitStopSell(context.Background(), "AAPL", 102, dec("93.10"))
	require.NoError(t, err)

	restarted := New(testConfig(risk.Config{}), h.store, h.gw, nil)
	restarted.SetClock(h.clock)
	require.NoError(t, restarted.Rehydrate(context.Background()))

	rec, err := restarted.tracker.Record("AAPL")
	require.NoError(t, err)
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Empty(t, h.openOrders(), "a stop with no position is residual exposure")
}

func TestResyncAdoptsEntryFilledDuringGap(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	require.Equal(t, intent.StateEntryPending, h.record().State)

	h.dropExecutions()
	h.paper.MarkPrice("AAPL", dec("97.90"))
	require.Equal(t, intent.StateEntryPending, h.record().State, "the fill was lost in the gap")

	h.wireExecutions()
	h.eng.resync(context.Background())

	rec := h.record()
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.Equal(t, int64(102), rec.Position)
	// With the fill price lost, the stop is based on the entry limit.
	require.False(t, rec.Stop.IsZero())
	assert.Equal(t, "93.1", rec.StopPrice.String())
}

func TestResyncKeepsPartiallyFilledEntryPending(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	rec := h.record()
	require.Equal(t, intent.StateEntryPending, rec.State)
	entry := rec.Entry

	// While disconnected the broker filled 40 of the 102 shares and still
	// works the rest of the order.
	h.gw.scripted = true
	h.gw.scriptedOrders = []model.Order{{
		Ref:       entry,
		Symbol:    "AAPL",
		Side:      model.OrderSideBuy,
		Type:      model.OrderTypeLimit,
		Qty:       102,
		FilledQty: 40,
		Limit:     dec("98"),
		Status:    model.OrderStatusWorking,
	}}
	h.gw.scriptedPositions = []model.Position{{Symbol: "AAPL", Qty: 40}}

	h.eng.resync(context.Background())

	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateEntryPending, rec.State, "a working entry must not be completed early")
	assert.Equal(t, int64(40), rec.EntryFilled)
	assert.Zero(t, rec.Position, "the position opens only when the entry completes")
	assert.True(t, rec.Stop.IsZero())
	assert.False(t, rec.StopPending())

	// The remaining shares fill normally after the reconnect, and the stop
	// covers the full quantity exactly once.
	h.gw.scripted = false
	h.eng.handleExecution(context.Background(), model.Fill{
		OrderID: entry.ID,
		Symbol:  "AAPL",
		Side:    model.OrderSideBuy,
		Qty:     62,
		Price:   dec("98"),
		At:      h.at,
	})
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.Equal(t, int64(102), rec.Position)
	require.False(t, rec.Stop.IsZero())
	assert.Equal(t, "93.1", rec.StopPrice.String())
}

func TestResyncAdoptsPartialPositionAfterEntryDied(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	rec := h.record()
	require.Equal(t, intent.StateEntryPending, rec.State)

	// The entry filled 40 shares and was then cancelled broker-side; only
	// the position remains.
	require.NoError(t, h.paper.Cancel(context.Background(), rec.Entry))
	h.paper.SeedPosition("AAPL", 40)

	h.eng.resync(context.Background())

	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StatePositionOpen, rec.State)
	assert.Equal(t, int64(40), rec.Position, "the broker position is the truth, not the requested quantity")
	require.False(t, rec.Stop.IsZero())
	assert.Equal(t, "93.1", rec.StopPrice.String())

	// The stop covers exactly the held quantity.
	stops := h.openOrders()
	require.Len(t, stops, 1)
	assert.Equal(t, int64(40), stops[0].Qty)
}

func TestResyncFlattensVanishedPosition(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	h.mark("97.90")
	require.Equal(t, intent.StatePositionOpen, h.record().State)

	h.dropExecutions()
	h.paper.MarkPrice("AAPL", dec("93.00"))

	h.eng.resync(context.Background())
	rec := h.record()
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Zero(t, rec.Position)
}

func TestResyncClearsVanishedEntry(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	rec := h.record()
	require.Equal(t, intent.StateEntryPending, rec.State)

	// The GTC entry was cancelled broker-side while disconnected.
	require.NoError(t, h.paper.Cancel(context.Background(), rec.Entry))
	h.eng.resync(context.Background())

	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)
	assert.Equal(t, h.day(), rec.LastActionDate)

	// Still no re-entry today.
	h.tick()
	assert.Equal(t, intent.StateFlat, rec.State)
}

func TestStaleEntryClearedNextDay(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	rec := h.record()
	entry := rec.Entry
	require.Equal(t, intent.StateEntryPending, rec.State)

	// The order dies broker-side overnight; the process only notices on the
	// next day's tick.
	require.NoError(t, h.paper.Cancel(context.Background(), entry))
	h.at = h.at.AddDate(0, 0, 1)
	h.tick()

	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateFlat, rec.State)

	// With a fresh snapshot the new day can decide again.
	h.seedMarket("95.00", "91.00")
	h.tick()
	assert.Equal(t, intent.StateEntryPending, rec.State)
}

func TestIgnoresFillForUnknownOrder(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")
	h.tick()
	rec := h.record()
	require.Equal(t, intent.StateEntryPending, rec.State)

	// A manual trade on the same account must not advance the intent.
	h.eng.handleExecution(context.Background(), model.Fill{
		OrderID: "manual-1",
		Symbol:  "AAPL",
		Side:    model.OrderSideBuy,
		Qty:     10,
		Price:   dec("97"),
		At:      h.at,
	})
	require.NoError(t, rec.CheckInvariants())
	assert.Equal(t, intent.StateEntryPending, rec.State)
	assert.Zero(t, rec.EntryFilled)
}

func TestTickIdempotentAcrossLifecycle(t *testing.T) {
	h := newHarness(t, risk.Config{})
	h.seedMarket("100.00", "96.50")

	for i := 0; i < 3; i++ {
		h.tick()
	}
	assert.Len(t, h.openOrders(), 1)

	h.mark("97.90")
	for i := 0; i < 3; i++ {
		h.tick()
	}
	// One working stop replaced the filled entry; nothing piles up.
	assert.Len(t, h.openOrders(), 1)
}
