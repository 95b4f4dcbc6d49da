package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"dipper/internal/model"
	"dipper/internal/obs"
	"dipper/internal/session"
	"dipper/pkg/exception"
)

// Dialer establishes a broker connection.
type Dialer func(ctx context.Context) (Gateway, error)

// Supervisor wraps a Gateway with reconnect supervision. While disconnected
// every order call fails fast so the engine suspends transitions; after the
// connection is restored the resync callback runs before order flow resumes,
// so broker state is re-queried rather than assumed unchanged.
type Supervisor struct {
	dial      Dialer
	onResync  func()
	execCb    atomic.Pointer[func(model.Fill)]
	suspended atomic.Bool
	interval  time.Duration

	mu sync.RWMutex
	gw Gateway
}

// NewSupervisor dials the initial connection and wraps it.
func NewSupervisor(ctx context.Context, dial Dialer, onResync func()) (*Supervisor, error) {
	gw, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		dial:     dial,
		onResync: onResync,
		interval: time.Second,
		gw:       gw,
	}
	gw.OnExecution(s.dispatchExecution)
	return s, nil
}

func (s *Supervisor) current() Gateway {
	s.mu.RLock()
	gw := s.gw
	s.mu.RUnlock()
	return gw
}

func (s *Supervisor) dispatchExecution(fill model.Fill) {
	if cb := s.execCb.Load(); cb != nil {
		(*cb)(fill)
	}
}

// Run watches connectivity until the context is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.current().Connected() {
				continue
			}
			s.reconnect(ctx)
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context) {
	s.suspended.Store(true)
	logs.Warn("broker disconnected, suspending order flow")

	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}

		gw, err := s.dial(ctx)
		if err != nil {
			logs.Debugf("broker reconnect attempt failed: %+v", err)
			continue
		}

		gw.OnExecution(s.dispatchExecution)
		s.mu.Lock()
		s.gw = gw
		s.mu.Unlock()
		s.suspended.Store(false)
		obs.IncReconnect()
		logs.Info("broker connection restored")
		if s.onResync != nil {
			s.onResync()
		}
		return
	}
}

func (s *Supervisor) guard() error {
	if s.suspended.Load() || !s.current().Connected() {
		return exception.ErrBrokerDisconnected
	}
	return nil
}

func (s *Supervisor) SubmitLimitBuy(ctx context.Context, symbol string, qty int64, limit decimal.Decimal) (model.OrderRef, error) {
	if err := s.guard(); err != nil {
		return model.OrderRef{}, err
	}
	return s.current().SubmitLimitBuy(ctx, symbol, qty, limit)
}

func (s *Supervisor) SubmitMarketSell(ctx context.Context, symbol string, qty int64) (model.OrderRef, error) {
	if err := s.guard(); err != nil {
		return model.OrderRef{}, err
	}
	return s.current().SubmitMarketSell(ctx, symbol, qty)
}

func (s *Supervisor) SubmitStopSell(ctx context.Context, symbol string, qty int64, stop decimal.Decimal) (model.OrderRef, error) {
	if err := s.guard(); err != nil {
		return model.OrderRef{}, err
	}
	return s.current().SubmitStopSell(ctx, symbol, qty, stop)
}

func (s *Supervisor) Cancel(ctx context.Context, ref model.OrderRef) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.current().Cancel(ctx, ref)
}

func (s *Supervisor) OrderStatus(ctx context.Context, ref model.OrderRef) (model.OrderStatus, error) {
	if err := s.guard(); err != nil {
		return model.OrderStatusUnknown, err
	}
	return s.current().OrderStatus(ctx, ref)
}

func (s *Supervisor) OpenOrders(ctx context.Context) ([]model.Order, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.current().OpenOrders(ctx)
}

func (s *Supervisor) OpenPositions(ctx context.Context) ([]model.Position, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.current().OpenPositions(ctx)
}

func (s *Supervisor) MinIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := s.guard(); err != nil {
		return decimal.Decimal{}, err
	}
	return s.current().MinIncrement(ctx, symbol)
}

func (s *Supervisor) SessionWindow(ctx context.Context, symbol string) (session.Window, error) {
	if err := s.guard(); err != nil {
		return session.Window{}, err
	}
	return s.current().SessionWindow(ctx, symbol)
}

func (s *Supervisor) OnExecution(cb func(model.Fill)) {
	s.execCb.Store(&cb)
}

func (s *Supervisor) Connected() bool {
	return !s.suspended.Load() && s.current().Connected()
}
