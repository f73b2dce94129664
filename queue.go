package match

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priceUnit is one price level: the aggregate remaining amount and a FIFO of orders
// linked in arrival (sequence) order.
type priceUnit struct {
	price     decimal.Decimal
	totalSize decimal.Decimal
	head      *Order
	tail      *Order
	count     int64
}

type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element // canonical price string -> level
	orders      map[string]*Order
}

// priceKey normalises a price so that 5.1 and 5.10 share a level.
func priceKey(price decimal.Decimal) string {
	return price.String()
}

// NewBuyerQueue creates a new queue for buy orders (bids).
// The orders are sorted by price in descending order (highest price first).
func NewBuyerQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return -d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// NewSellerQueue creates a new queue for sell orders (asks).
// The orders are sorted by price in ascending order (lowest price first).
func NewSellerQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insertOrder appends an order to the back of its price level.
// Orders arrive in sequence order, so appending keeps each level FIFO by sequence.
func (q *queue) insertOrder(order *Order) {
	key := priceKey(order.Price)
	el, ok := q.priceList[key]
	if ok {
		unit, _ := el.Value.(*priceUnit)
		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}
		unit.totalSize = unit.totalSize.Add(order.Remaining)
		unit.count++
	} else {
		unit := &priceUnit{
			price:     order.Price,
			head:      order,
			tail:      order,
			totalSize: order.Remaining,
			count:     1,
		}
		order.next = nil
		order.prev = nil

		q.priceList[key] = q.depthList.Set(order.Price, unit)
		q.depths++
	}

	q.orders[order.ID] = order
	q.totalOrders++
}

// removeOrder unlinks an order from its level by ID.
// It also cleans up the price unit if it becomes empty.
func (q *queue) removeOrder(id string) *Order {
	order, ok := q.orders[id]
	if !ok {
		return nil
	}

	key := priceKey(order.Price)
	skipElement, ok := q.priceList[key]
	if !ok {
		return nil
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalSize = unit.totalSize.Sub(order.Remaining)
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceList, key)
		q.depths--
	}

	return order
}

// reduceOrder lowers the aggregate of the order's level after a partial fill of size.
// The order keeps its place in the FIFO.
func (q *queue) reduceOrder(order *Order, size decimal.Decimal) {
	el, ok := q.priceList[priceKey(order.Price)]
	if !ok {
		return
	}
	unit, _ := el.Value.(*priceUnit)
	unit.totalSize = unit.totalSize.Sub(size)
}

// peekHeadOrder returns the order at the front of the queue (best price, earliest sequence).
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// bestPrice returns the best price of the queue.
func (q *queue) bestPrice() (decimal.Decimal, bool) {
	el := q.depthList.Front()
	if el == nil {
		return decimal.Zero, false
	}
	unit, _ := el.Value.(*priceUnit)
	return unit.price, true
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// each visits resting orders in priority order until fn returns false.
func (q *queue) each(fn func(*Order) bool) {
	for elem := q.depthList.Front(); elem != nil; elem = elem.Next() {
		unit, _ := elem.Value.(*priceUnit)
		for order := unit.head; order != nil; order = order.next {
			if !fn(order) {
				return
			}
		}
	}
}

// depth returns the order book depth up to the specified limit.
func (q *queue) depth(limit uint32) []*DepthItem {
	result := make([]*DepthItem, 0, limit)

	el := q.depthList.Front()

	var i uint32
	for i < limit && el != nil {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, &DepthItem{
			Price:  unit.price,
			Amount: unit.totalSize,
			Count:  unit.count,
		})

		el = el.Next()
		i++
	}

	return result
}
