package protocol

// EventType identifies the payload carried by an Envelope.
type EventType uint8

// Event Type Numbering Strategy:
// - 1-50:  Book state events (hot-store mirror, pub-sub)
// - 51+:   Cold-storage records (orders, trades)
const (
	EventUnknown     EventType = 0
	EventBookLog     EventType = 1
	EventDepthUpdate EventType = 2

	EventOrderSync EventType = 51
	EventTradeSync EventType = 52
)

// Envelope is the standard carrier for events leaving the engine.
type Envelope struct {
	// Version is the protocol version for backward compatibility.
	Version uint8 `json:"version"`

	// Pair is the trading pair the payload belongs to (routing header).
	Pair string `json:"pair"`

	// SeqID is the per-book sequence of the event, used for ordering and gap detection.
	SeqID uint64 `json:"seq_id"`

	// Type identifies the payload type.
	Type EventType `json:"type"`

	// Payload contains the serialized business data.
	Payload []byte `json:"payload"`
}

// OrderRecord is the cold-storage representation of an order state.
// Decimals are strings to prevent precision loss in JSON.
type OrderRecord struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Pair        string      `json:"pair"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	Price       string      `json:"price"`
	Amount      string      `json:"amount"`
	Filled      string      `json:"filled"`
	Remaining   string      `json:"remaining"`
	Status      OrderStatus `json:"status"`
	Seq         uint64      `json:"seq"`
	SubmittedAt int64       `json:"submitted_at"` // Unix nano
	ExpiresAt   int64       `json:"expires_at,omitempty"`
}

// TradeRecord is the cold-storage representation of a trade.
type TradeRecord struct {
	TradeID      string `json:"trade_id"`
	Pair         string `json:"pair"`
	BuyOrderID   string `json:"buy_order_id"`
	SellOrderID  string `json:"sell_order_id"`
	BuyUserID    string `json:"buy_user_id"`
	SellUserID   string `json:"sell_user_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	TakerSide    Side   `json:"taker_side"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"` // Unix nano
}

// BookEvent is the pub-sub representation of a single book log.
type BookEvent struct {
	SeqID        uint64       `json:"seq_id"`
	Type         LogType      `json:"type"`
	Pair         string       `json:"pair"`
	Side         Side         `json:"side"`
	Price        string       `json:"price"`
	Amount       string       `json:"amount"`
	OrderID      string       `json:"order_id"`
	MakerOrderID string       `json:"maker_order_id,omitempty"`
	TradeID      string       `json:"trade_id,omitempty"`
	RejectReason RejectReason `json:"reject_reason,omitempty"`
	CreatedAt    int64        `json:"created_at"`
}
