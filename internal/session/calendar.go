package session

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"dipper/internal/model"
)

// Window is one trading session of a symbol.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the session.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Source answers session-window queries against the broker. The window is
// assumed stable for the trading day once fetched.
type Source interface {
	SessionWindow(ctx context.Context, symbol string) (Window, error)
}

type cached struct {
	window Window
	day    model.Day
}

// Calendar caches one session window per symbol per trading day. It is only
// touched from the engine goroutine.
type Calendar struct {
	source  Source
	byday   map[string]cached
	failing map[string]bool
}

// NewCalendar builds a calendar over a session source.
func NewCalendar(source Source) *Calendar {
	return &Calendar{
		source:  source,
		byday:   make(map[string]cached),
		failing: make(map[string]bool),
	}
}

// IsOpen reports whether the symbol's session contains now. A failed window
// fetch means "closed this tick" and is logged once per failure episode.
func (c *Calendar) IsOpen(ctx context.Context, symbol string, now time.Time, loc *time.Location) bool {
	day := model.DayOf(now, loc)
	entry, ok := c.byday[symbol]
	if !ok || entry.day != day {
		window, err := c.source.SessionWindow(ctx, symbol)
		if err != nil {
			if !c.failing[symbol] {
				logs.Warnf("session window unavailable for %s, treating as closed: %+v", symbol, err)
				c.failing[symbol] = true
			}
			return false
		}
		c.failing[symbol] = false
		entry = cached{window: window, day: day}
		c.byday[symbol] = entry
	}
	return entry.window.Contains(now)
}

// Invalidate drops the cached window for every symbol, forcing a refetch on
// the next query. Used after a broker reconnect.
func (c *Calendar) Invalidate() {
	for symbol := range c.byday {
		delete(c.byday, symbol)
	}
}
