package exception

import "errors"

var (
	ErrIntentUnknownSymbol     = errors.New("intent: symbol not tracked")
	ErrIntentInvalidTransition = errors.New("intent: invalid state transition")
	ErrIntentEntryExists       = errors.New("intent: entry already in flight")
	ErrIntentNoEntry           = errors.New("intent: no entry in flight")
	ErrIntentNoPosition        = errors.New("intent: no open position")
	ErrIntentInvalidFill       = errors.New("intent: invalid fill quantity")
)
