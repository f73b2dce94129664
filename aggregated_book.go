package match

import (
	"fmt"
	"sync"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// DepthChange is the effect of one BookLog on a single price level.
type DepthChange struct {
	Side     Side
	Price    decimal.Decimal
	SizeDiff decimal.Decimal
}

// CalculateDepthChange calculates the depth change based on the book log.
// For LogTypeMatch the side returned is the maker's side (opposite of the log's side).
func CalculateDepthChange(log *BookLog) DepthChange {
	switch log.Type {
	case LogTypeOpen:
		return DepthChange{Side: log.Side, Price: log.Price, SizeDiff: log.Size}
	case LogTypeCancel, LogTypeExpire:
		return DepthChange{Side: log.Side, Price: log.Price, SizeDiff: log.Size.Neg()}
	case LogTypeMatch:
		return DepthChange{Side: log.Side.Opposite(), Price: log.Price, SizeDiff: log.Size.Neg()}
	}
	// Rejected orders never entered the book.
	return DepthChange{}
}

// AggregatedBook maintains a simplified view of the order book,
// tracking only price levels and their aggregated sizes (depth).
// It rebuilds book state from the BookLog stream of a single pair,
// for example on the far side of the Redis mirror.
type AggregatedBook struct {
	mu    sync.RWMutex
	pair  string
	seqID uint64 // Last applied SequenceID
	ask   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
	bid   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
}

// NewAggregatedBook creates a new AggregatedBook instance with empty ask and bid sides.
func NewAggregatedBook(pair string) *AggregatedBook {
	less := func(a, b decimal.Decimal) bool {
		return a.LessThan(b)
	}
	return &AggregatedBook{
		pair: pair,
		ask:  treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](less),
		bid:  treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](less),
	}
}

// Pair returns the pair this view follows.
func (ab *AggregatedBook) Pair() string {
	return ab.pair
}

// SequenceID returns the last processed sequence ID.
func (ab *AggregatedBook) SequenceID() uint64 {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.seqID
}

// Replay applies a BookLog event to update the aggregated book state.
// Already applied sequence ids are ignored. A gap returns ErrSequenceGap and leaves the view untouched;
// the caller is expected to Reset and resynchronise.
func (ab *AggregatedBook) Replay(log *BookLog) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if log.SequenceID <= ab.seqID {
		return nil
	}
	if ab.seqID != 0 && log.SequenceID != ab.seqID+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, ab.seqID, log.SequenceID)
	}

	change := CalculateDepthChange(log)
	if !change.SizeDiff.IsZero() {
		levels := ab.side(change.Side)
		size, _ := levels.Get(change.Price)
		size = size.Add(change.SizeDiff)
		if size.IsPositive() {
			levels.Set(change.Price, size)
		} else {
			levels.Del(change.Price)
		}
	}

	ab.seqID = log.SequenceID
	return nil
}

// Reset clears the view so replay can restart from any sequence id.
func (ab *AggregatedBook) Reset() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.ask.Clear()
	ab.bid.Clear()
	ab.seqID = 0
}

// Depth returns the aggregated size at a specific price level for the given side.
// Returns zero if the price level does not exist.
func (ab *AggregatedBook) Depth(side Side, price decimal.Decimal) (decimal.Decimal, error) {
	if !side.IsValid() {
		return decimal.Zero, ErrInvalidSide
	}

	ab.mu.RLock()
	defer ab.mu.RUnlock()
	size, ok := ab.side(side).Get(price)
	if !ok {
		return decimal.Zero, nil
	}
	return size, nil
}

// Levels returns up to limit levels of one side, best price first.
func (ab *AggregatedBook) Levels(side Side, limit int) []*DepthItem {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	result := make([]*DepthItem, 0, limit)
	if side == Sell {
		for it := ab.ask.Iterator(); it.Valid() && len(result) < limit; it.Next() {
			result = append(result, &DepthItem{Price: it.Key(), Amount: it.Value()})
		}
		return result
	}
	for it := ab.bid.Reverse(); it.Valid() && len(result) < limit; it.Next() {
		result = append(result, &DepthItem{Price: it.Key(), Amount: it.Value()})
	}
	return result
}

func (ab *AggregatedBook) side(side Side) *treemap.TreeMap[decimal.Decimal, decimal.Decimal] {
	if side == Buy {
		return ab.bid
	}
	return ab.ask
}
