package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"dipper/internal/model"
)

// Snapshot is the latest market view for one symbol. It is usable for
// decisions only when both the last trade price and today's open are present.
type Snapshot struct {
	Last    decimal.Decimal
	HasLast bool
	Open    decimal.Decimal
	OpenDay model.Day
}

// Usable reports whether the snapshot can drive an entry decision on day.
func (s Snapshot) Usable(day model.Day) bool {
	return s.HasLast && !s.OpenDay.IsZero() && s.OpenDay == day
}

// Store holds per-symbol market snapshots. Feed goroutines overwrite it while
// the engine reads it; a slightly stale read is acceptable.
type Store struct {
	mu    sync.RWMutex
	bysym map[string]Snapshot
}

// NewStore allocates an empty store.
func NewStore() *Store {
	return &Store{bysym: make(map[string]Snapshot)}
}

// UpdatePrice unconditionally overwrites the last trade price.
func (s *Store) UpdatePrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	snap := s.bysym[symbol]
	snap.Last = price
	snap.HasLast = true
	s.bysym[symbol] = snap
	s.mu.Unlock()
}

// UpdateOpen records the day's opening price. The first successful update for
// a day wins; later calls for the same day are ignored.
func (s *Store) UpdateOpen(symbol string, open decimal.Decimal, day model.Day) {
	s.mu.Lock()
	snap := s.bysym[symbol]
	if snap.OpenDay != day {
		snap.Open = open
		snap.OpenDay = day
	}
	s.bysym[symbol] = snap
	s.mu.Unlock()
}

// Snapshot returns the current view for a symbol.
func (s *Store) Snapshot(symbol string) Snapshot {
	s.mu.RLock()
	snap := s.bysym[symbol]
	s.mu.RUnlock()
	return snap
}

// HasOpen reports whether the symbol already has an open price for day.
func (s *Store) HasOpen(symbol string, day model.Day) bool {
	s.mu.RLock()
	snap := s.bysym[symbol]
	s.mu.RUnlock()
	return snap.OpenDay == day
}
