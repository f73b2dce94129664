package match

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLog represents an event in the order book.
// SequenceID is a per-book increasing ID for every event, used for ordering,
// deduplication, and rebuild synchronization in downstream systems.
// Use LogType to determine if the event affects order book state:
// - Open, Match, Cancel, Expire: affect order book state
// - Reject: does not affect order book state
type BookLog struct {
	SequenceID   uint64          `json:"seq_id"`
	TradeID      string          `json:"trade_id,omitempty"` // Only set for Match events
	Type         LogType         `json:"type"`
	Pair         string          `json:"pair"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	OrderID      string          `json:"order_id"`
	UserID       string          `json:"user_id"`
	OrderType    OrderType       `json:"order_type,omitempty"`
	MakerOrderID string          `json:"maker_order_id,omitempty"`
	MakerUserID  string          `json:"maker_user_id,omitempty"`
	RejectReason RejectReason    `json:"reject_reason,omitempty"` // Only set for Reject events
	CreatedAt    time.Time       `json:"created_at"`
}

// NewOpenLog records an order (or its remainder) resting on the book.
func NewOpenLog(seqID uint64, pair string, order *Order, now time.Time) *BookLog {
	return &BookLog{
		SequenceID: seqID,
		Type:       LogTypeOpen,
		Pair:       pair,
		Side:       order.Side,
		Price:      order.Price,
		Size:       order.Remaining,
		OrderID:    order.ID,
		UserID:     order.UserID,
		OrderType:  order.Type,
		CreatedAt:  now,
	}
}

// NewMatchLog records a trade. Side is the taker's side; the price is the maker's.
func NewMatchLog(seqID uint64, trade *Trade, taker *Order, maker *Order) *BookLog {
	return &BookLog{
		SequenceID:   seqID,
		TradeID:      trade.ID,
		Type:         LogTypeMatch,
		Pair:         trade.Pair,
		Side:         taker.Side,
		Price:        trade.Price,
		Size:         trade.Amount,
		OrderID:      taker.ID,
		UserID:       taker.UserID,
		OrderType:    taker.Type,
		MakerOrderID: maker.ID,
		MakerUserID:  maker.UserID,
		CreatedAt:    trade.Timestamp,
	}
}

// NewCancelLog records a resting order leaving the book on request.
func NewCancelLog(seqID uint64, pair string, order *Order, now time.Time) *BookLog {
	return &BookLog{
		SequenceID: seqID,
		Type:       LogTypeCancel,
		Pair:       pair,
		Side:       order.Side,
		Price:      order.Price,
		Size:       order.Remaining,
		OrderID:    order.ID,
		UserID:     order.UserID,
		OrderType:  order.Type,
		CreatedAt:  now,
	}
}

// NewExpireLog records a resting order removed because its expiry passed.
func NewExpireLog(seqID uint64, pair string, order *Order, now time.Time) *BookLog {
	log := NewCancelLog(seqID, pair, order, now)
	log.Type = LogTypeExpire
	return log
}

// NewRejectLog records an order (or remainder) that never rested on the book.
func NewRejectLog(seqID uint64, pair string, order *Order, reason RejectReason, now time.Time) *BookLog {
	return &BookLog{
		SequenceID:   seqID,
		Type:         LogTypeReject,
		Pair:         pair,
		Side:         order.Side,
		Price:        order.Price,
		Size:         order.Remaining,
		OrderID:      order.ID,
		UserID:       order.UserID,
		OrderType:    order.Type,
		RejectReason: reason,
		CreatedAt:    now,
	}
}
