// Package sink carries engine output to external stores: a Redis hot-store mirror
// of aggregated depth and a Kafka stream of order and trade records.
package sink

import (
	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
)

// OrderRecord converts an order into its cold-storage form.
func OrderRecord(o *match.Order) *protocol.OrderRecord {
	rec := &protocol.OrderRecord{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Pair:        o.Pair,
		Side:        o.Side,
		OrderType:   o.Type,
		Price:       o.Price.String(),
		Amount:      o.Amount.String(),
		Filled:      o.Filled.String(),
		Remaining:   o.Remaining.String(),
		Status:      o.Status,
		Seq:         o.Seq,
		SubmittedAt: o.SubmittedAt.UnixNano(),
	}
	if !o.ExpiresAt.IsZero() {
		rec.ExpiresAt = o.ExpiresAt.UnixNano()
	}
	return rec
}

// TradeRecord converts a trade into its cold-storage form.
func TradeRecord(t *match.Trade) *protocol.TradeRecord {
	return &protocol.TradeRecord{
		TradeID:      t.ID,
		Pair:         t.Pair,
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		BuyUserID:    t.BuyUserID,
		SellUserID:   t.SellUserID,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		TakerSide:    t.TakerSide,
		Price:        t.Price.String(),
		Amount:       t.Amount.String(),
		Timestamp:    t.Timestamp.UnixNano(),
	}
}

// BookEvent converts a book log into its pub-sub form.
func BookEvent(log *match.BookLog) *protocol.BookEvent {
	return &protocol.BookEvent{
		SeqID:        log.SequenceID,
		Type:         log.Type,
		Pair:         log.Pair,
		Side:         log.Side,
		Price:        log.Price.String(),
		Amount:       log.Size.String(),
		OrderID:      log.OrderID,
		MakerOrderID: log.MakerOrderID,
		TradeID:      log.TradeID,
		RejectReason: log.RejectReason,
		CreatedAt:    log.CreatedAt.UnixNano(),
	}
}
