package exception

import "errors"

var (
	ErrRiskNonPositiveQty   = errors.New("risk: computed quantity is not positive")
	ErrRiskNotionalExceeded = errors.New("risk: order notional exceeds limit")
	ErrRiskKillSwitch       = errors.New("risk: kill switch engaged")
)
