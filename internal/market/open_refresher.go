package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"dipper/internal/model"
	"dipper/internal/obs"
)

// OpenSource fetches the day's opening price for a symbol. Calling it again
// for the same day is idempotent.
type OpenSource interface {
	FetchOpen(ctx context.Context, symbol string, day model.Day) (decimal.Decimal, error)
}

// OpenSymbol names a symbol and the timezone its trading date is keyed on.
type OpenSymbol struct {
	Ticker   string
	Location *time.Location
}

// OpenRefresher polls the open source once per second until every configured
// symbol has today's opening price. Repeated failures for a symbol are logged
// once per symbol per trading date, not once per attempt.
type OpenRefresher struct {
	store    *Store
	source   OpenSource
	symbols  []OpenSymbol
	now      func() time.Time
	interval time.Duration
	failing  map[string]model.Day
}

// NewOpenRefresher builds a refresher over the given symbols. Each symbol's
// trading date rolls in its own timezone.
func NewOpenRefresher(store *Store, source OpenSource, symbols []OpenSymbol) *OpenRefresher {
	return &OpenRefresher{
		store:    store,
		source:   source,
		symbols:  symbols,
		now:      time.Now,
		interval: time.Second,
		failing:  make(map[string]model.Day, len(symbols)),
	}
}

// Run blocks until the context is done.
func (r *OpenRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *OpenRefresher) refresh(ctx context.Context) {
	now := r.now()
	for _, s := range r.symbols {
		day := model.DayOf(now, s.Location)
		if r.store.HasOpen(s.Ticker, day) {
			continue
		}
		open, err := r.source.FetchOpen(ctx, s.Ticker, day)
		if err != nil {
			// A failure episode is keyed on the trading date, so a new
			// day warns again even when the source never recovered.
			if r.failing[s.Ticker] != day {
				logs.Warnf("open price unavailable for %s on %s, will keep retrying: %+v", s.Ticker, day, err)
				r.failing[s.Ticker] = day
			}
			obs.IncOpenFetchFailure(s.Ticker)
			continue
		}
		delete(r.failing, s.Ticker)
		r.store.UpdateOpen(s.Ticker, open, day)
		logs.Infof("open price for %s on %s: %s", s.Ticker, day, open)
	}
}
