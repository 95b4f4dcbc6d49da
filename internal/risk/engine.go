package risk

import (
	"github.com/shopspring/decimal"

	"dipper/pkg/exception"
)

// Config defines pre-submission limits.
type Config struct {
	KillSwitch       bool    `yaml:"killSwitch"`
	MaxOrderNotional float64 `yaml:"maxOrderNotional"`
}

// Engine gates entry submissions before they reach the broker.
type Engine struct {
	killSwitch  bool
	maxNotional decimal.Decimal
}

// NewEngine creates an engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		killSwitch:  cfg.KillSwitch,
		maxNotional: decimal.NewFromFloat(cfg.MaxOrderNotional),
	}
}

// Check validates a computed entry before submission. A non-positive quantity
// is rejected locally rather than passed through for the broker to bounce.
func (e *Engine) Check(qty int64, price decimal.Decimal) error {
	if e.killSwitch {
		return exception.ErrRiskKillSwitch
	}
	if qty <= 0 {
		return exception.ErrRiskNonPositiveQty
	}
	if e.maxNotional.IsPositive() {
		notional := price.Mul(decimal.NewFromInt(qty))
		if notional.GreaterThan(e.maxNotional) {
			return exception.ErrRiskNotionalExceeded
		}
	}
	return nil
}
