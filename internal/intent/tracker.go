package intent

import "dipper/pkg/exception"

// Tracker owns one Record per configured symbol.
type Tracker struct {
	records map[string]*Record
	order   []string
}

// NewTracker allocates empty records for the given tickers.
func NewTracker(tickers []string) *Tracker {
	t := &Tracker{
		records: make(map[string]*Record, len(tickers)),
		order:   make([]string, 0, len(tickers)),
	}
	for _, ticker := range tickers {
		if _, ok := t.records[ticker]; ok {
			continue
		}
		t.records[ticker] = &Record{Symbol: ticker}
		t.order = append(t.order, ticker)
	}
	return t
}

// Record returns the intent record for a symbol.
func (t *Tracker) Record(symbol string) (*Record, error) {
	r, ok := t.records[symbol]
	if !ok {
		return nil, exception.ErrIntentUnknownSymbol
	}
	return r, nil
}

// Tracked reports whether the symbol is configured.
func (t *Tracker) Tracked(symbol string) bool {
	_, ok := t.records[symbol]
	return ok
}

// Each visits records in configuration order.
func (t *Tracker) Each(visit func(*Record)) {
	for _, ticker := range t.order {
		visit(t.records[ticker])
	}
}

// FindByOrderID returns the record whose entry, stop, or exit order matches
// the broker order id.
func (t *Tracker) FindByOrderID(orderID string) (*Record, bool) {
	if orderID == "" {
		return nil, false
	}
	for _, ticker := range t.order {
		r := t.records[ticker]
		if r.Entry.ID == orderID || r.Stop.ID == orderID || r.Exit.ID == orderID {
			return r, true
		}
	}
	return nil, false
}
