package exception

import "errors"

var (
	ErrBrokerDisconnected   = errors.New("broker: disconnected")
	ErrBrokerUnknownOrder   = errors.New("broker: order not found")
	ErrBrokerUnknownSymbol  = errors.New("broker: symbol not found")
	ErrBrokerDuplicateOrder = errors.New("broker: order already exists")
	ErrBrokerNoMarkPrice    = errors.New("broker: no mark price for symbol")
	ErrBrokerRejected       = errors.New("broker: order rejected")
)
