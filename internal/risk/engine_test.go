package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dipper/pkg/exception"
)

func TestCheck(t *testing.T) {
	price := decimal.RequireFromString("98.00")

	testCases := []struct {
		desc     string
		cfg      Config
		qty      int64
		expected error
	}{
		{"ok", Config{MaxOrderNotional: 10000}, 102, nil},
		{"ok without notional cap", Config{}, 1000000, nil},
		{"kill switch", Config{KillSwitch: true}, 102, exception.ErrRiskKillSwitch},
		{"zero qty", Config{}, 0, exception.ErrRiskNonPositiveQty},
		{"negative qty", Config{}, -5, exception.ErrRiskNonPositiveQty},
		{"notional exceeded", Config{MaxOrderNotional: 9000}, 102, exception.ErrRiskNotionalExceeded},
		{"notional at cap", Config{MaxOrderNotional: 9996}, 102, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := NewEngine(tc.cfg).Check(tc.qty, price)
			if !errors.Is(err, tc.expected) {
				t.Fatalf("error mismatch! should be %v but got %v", tc.expected, err)
			}
		})
	}
}
