package protocol

import "strings"

// Side represents the order side (Buy/Sell).
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// String returns "buy" or "sell".
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// IsValid reports whether s is a known side.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide accepts "buy"/"sell" in any case. It returns 0 for anything else.
func ParseSide(v string) Side {
	switch strings.ToLower(v) {
	case "buy", "bid":
		return SideBuy
	case "sell", "ask":
		return SideSell
	default:
		return 0
	}
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// IsValid reports whether t is a supported order type.
func (t OrderType) IsValid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the lifecycle state of an order.
// Transitions are monotonic: pending -> active|partial|filled|cancelled|expired,
// active -> partial|filled|cancelled|expired, partial -> filled|cancelled|expired.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusActive    OrderStatus = "active"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusActive:
		return 1
	case OrderStatusPartial:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// LogType represents the type of event log.
type LogType string

const (
	LogTypeOpen   LogType = "open"
	LogTypeMatch  LogType = "match"
	LogTypeCancel LogType = "cancel"
	LogTypeExpire LogType = "expire"
	LogTypeReject LogType = "reject"
)

// RejectReason represents the reason why an order (or its remainder) did not rest on the book.
type RejectReason string

const (
	RejectReasonNone          RejectReason = ""
	RejectReasonNoLiquidity   RejectReason = "no_liquidity"       // Market: nothing (more) to match against
	RejectReasonSelfTrade     RejectReason = "self_trade"         // Remainder cancelled to avoid crossing own order
	RejectReasonDuplicateID   RejectReason = "duplicate_order_id" // Order id already processed by this book
	RejectReasonExpired       RejectReason = "expired"            // expiresAt already passed
	RejectReasonOrderNotFound RejectReason = "order_not_found"
)

// Venue identifies where a routed fill was executed.
type Venue string

const (
	VenueOrderBook Venue = "orderbook"
	VenueAMM       Venue = "amm"
)
