package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStop:
		return "stop"
	default:
		return "unknown"
	}
}

// OrderTag classifies what role an order plays in the strategy lifecycle.
type OrderTag uint16

const (
	OrderTagUnknown OrderTag = iota
	OrderTagEntry
	OrderTagProtective
	OrderTagClose
)

func (t OrderTag) String() string {
	switch t {
	case OrderTagEntry:
		return "entry"
	case OrderTagProtective:
		return "protective"
	case OrderTagClose:
		return "close"
	default:
		return "unknown"
	}
}

// Client order id prefixes. The tag survives a process restart through the
// broker-reported client id, which is what rehydration classifies on.
const (
	clientIDEntryPrefix      = "dip-e-"
	clientIDProtectivePrefix = "dip-p-"
	clientIDClosePrefix      = "dip-c-"
)

// ClientIDPrefix returns the client order id prefix for a tag.
func (t OrderTag) ClientIDPrefix() string {
	switch t {
	case OrderTagEntry:
		return clientIDEntryPrefix
	case OrderTagProtective:
		return clientIDProtectivePrefix
	case OrderTagClose:
		return clientIDClosePrefix
	default:
		return "dip-x-"
	}
}

// TagFromClientID recovers the order tag from a broker-reported client id.
func TagFromClientID(clientID string) OrderTag {
	switch {
	case strings.HasPrefix(clientID, clientIDEntryPrefix):
		return OrderTagEntry
	case strings.HasPrefix(clientID, clientIDProtectivePrefix):
		return OrderTagProtective
	case strings.HasPrefix(clientID, clientIDClosePrefix):
		return OrderTagClose
	default:
		return OrderTagUnknown
	}
}

// OrderStatus is the broker-reported lifecycle status of an order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusWorking
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusInactive
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSubmitted:
		return "submitted"
	case OrderStatusWorking:
		return "working"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further broker updates can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive:
		return true
	default:
		return false
	}
}

// TerminalWithoutFill reports whether the order died without producing shares.
func (s OrderStatus) TerminalWithoutFill() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive:
		return true
	default:
		return false
	}
}

// OrderRef identifies an order the engine asked the broker to work.
type OrderRef struct {
	ID       string
	ClientID string
	Tag      OrderTag
	Day      Day
}

// IsZero reports whether the ref points at nothing.
func (r OrderRef) IsZero() bool {
	return r.ID == "" && r.ClientID == ""
}

// Order is the broker-side view of a working order, used for rehydration.
type Order struct {
	Ref       OrderRef
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Qty       int64
	FilledQty int64
	Limit     decimal.Decimal
	Stop      decimal.Decimal
	Status    OrderStatus
}

// Fill is a broker-reported execution.
type Fill struct {
	OrderID string
	Symbol  string
	Side    OrderSide
	Qty     int64
	Price   decimal.Decimal
	At      time.Time
}

// Position is a broker-reported signed holding.
type Position struct {
	Symbol string
	Qty    int64
}
