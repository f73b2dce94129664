package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPair = "BTC-USDT"

type memoryWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

func (w *memoryWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func decode(t *testing.T, msg kafka.Message, v any) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	ser := protocol.DefaultJSONSerializer{}
	require.NoError(t, ser.Unmarshal(msg.Value, &env))
	require.NoError(t, ser.Unmarshal(env.Payload, v))
	return env
}

func limit(id, user string, side match.Side, price, amount string) *match.Order {
	return match.NewLimitOrder(id, user, testPair, side, decimal.RequireFromString(price), decimal.RequireFromString(amount))
}

// bookLogs returns open(100x2), open(101x1), match(0.5 @ 100).
func bookLogs() []*match.BookLog {
	book := match.NewOrderBook(testPair)
	book.Submit(limit("s1", "maker", match.Sell, "100", "2"))
	book.Submit(limit("s2", "maker", match.Sell, "101", "1"))
	book.Submit(limit("b1", "taker", match.Buy, "100", "0.5"))
	return book.DrainLogs()
}

func TestKafkaSyncer(t *testing.T) {
	ctx := context.Background()

	t.Run("order record", func(t *testing.T) {
		w := &memoryWriter{}
		s := NewKafkaSyncer(DefaultKafkaConfig(), WithWriter(w))

		order := limit("o1", "alice", match.Buy, "100.5", "2")
		order.Seq = 7
		require.NoError(t, s.SyncOrder(ctx, order))

		msgs := w.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "hybrid.orders", msgs[0].Topic)
		assert.Equal(t, testPair, string(msgs[0].Key))

		var rec protocol.OrderRecord
		env := decode(t, msgs[0], &rec)
		assert.Equal(t, protocol.EventOrderSync, env.Type)
		assert.Equal(t, uint64(7), env.SeqID)
		assert.Equal(t, "o1", rec.OrderID)
		assert.Equal(t, "100.5", rec.Price)
		assert.Equal(t, protocol.SideBuy, rec.Side)
		assert.Zero(t, rec.ExpiresAt)
	})

	t.Run("trade record", func(t *testing.T) {
		w := &memoryWriter{}
		s := NewKafkaSyncer(DefaultKafkaConfig(), WithWriter(w))

		trade := &match.Trade{
			ID:           "t1",
			Pair:         testPair,
			BuyOrderID:   "b",
			SellOrderID:  "s",
			MakerOrderID: "s",
			TakerOrderID: "b",
			Price:        decimal.RequireFromString("100"),
			Amount:       decimal.RequireFromString("0.25"),
			TakerSide:    match.Buy,
			Timestamp:    time.Unix(0, 42),
		}
		require.NoError(t, s.SyncTrade(ctx, trade))

		var rec protocol.TradeRecord
		env := decode(t, w.messages()[0], &rec)
		assert.Equal(t, protocol.EventTradeSync, env.Type)
		assert.Equal(t, "hybrid.trades", w.messages()[0].Topic)
		assert.Equal(t, "0.25", rec.Amount)
		assert.Equal(t, int64(42), rec.Timestamp)
	})

	t.Run("write error", func(t *testing.T) {
		broker := errors.New("broker down")
		s := NewKafkaSyncer(DefaultKafkaConfig(), WithWriter(&memoryWriter{err: broker}))

		err := s.SyncOrder(ctx, limit("o1", "alice", match.Buy, "1", "1"))
		assert.ErrorIs(t, err, broker)
	})

	t.Run("engine output", func(t *testing.T) {
		w := &memoryWriter{}
		engine := match.NewMatchingEngine(
			match.WithShards(2),
			match.WithBatchWindow(time.Millisecond),
			match.WithPublishLog(match.NewDiscardPublishLog()),
			match.WithSyncer(NewKafkaSyncer(DefaultKafkaConfig(), WithWriter(w))),
		)
		require.NoError(t, engine.Start(ctx))
		defer func() { _ = engine.Shutdown(ctx) }()

		_, err := engine.ProcessOrder(ctx, limit("s1", "maker", match.Sell, "100", "1"))
		require.NoError(t, err)
		_, err = engine.ProcessOrder(ctx, limit("b1", "taker", match.Buy, "100", "1"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			for _, msg := range w.messages() {
				if msg.Topic == "hybrid.trades" {
					return true
				}
			}
			return false
		}, time.Second, 10*time.Millisecond)
	})
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisMirror(t *testing.T) {
	t.Run("local view follows the logs", func(t *testing.T) {
		client := unreachableRedis()
		defer client.Close()
		mirror := NewRedisMirror(client, DefaultRedisConfig())

		logs := bookLogs()
		require.Len(t, logs, 3)
		mirror.Publish(logs...)

		depth, ok := mirror.Depth(testPair)
		require.True(t, ok)
		assert.Equal(t, logs[2].SequenceID, depth.UpdateID)
		require.Len(t, depth.Asks, 2)
		assert.Equal(t, "100", depth.Asks[0].Price.String())
		assert.Equal(t, "1.5", depth.Asks[0].Amount.String())
		assert.Equal(t, "101", depth.Asks[1].Price.String())
		assert.Empty(t, depth.Bids)

		_, ok = mirror.Depth("ETH-USDT")
		assert.False(t, ok)
	})

	t.Run("replayed logs are ignored", func(t *testing.T) {
		client := unreachableRedis()
		defer client.Close()
		mirror := NewRedisMirror(client, DefaultRedisConfig())

		logs := bookLogs()
		mirror.Publish(logs...)
		mirror.Publish(logs[0])

		depth, _ := mirror.Depth(testPair)
		assert.Equal(t, "1.5", depth.Asks[0].Amount.String())
	})

	t.Run("gap resets the view", func(t *testing.T) {
		client := unreachableRedis()
		defer client.Close()
		mirror := NewRedisMirror(client, DefaultRedisConfig())

		logs := bookLogs()
		mirror.Publish(logs[0])
		mirror.Publish(logs[2])

		depth, _ := mirror.Depth(testPair)
		assert.Equal(t, logs[2].SequenceID, depth.UpdateID)
		assert.Empty(t, depth.Asks)
	})

	t.Run("load without redis", func(t *testing.T) {
		client := unreachableRedis()
		defer client.Close()
		mirror := NewRedisMirror(client, RedisConfig{KeyPrefix: "test"})

		_, err := mirror.LoadDepth(context.Background(), testPair)
		assert.Error(t, err)
		assert.Equal(t, "test:depth:BTC-USDT", mirror.depthKey(testPair))
		assert.Equal(t, "test:events:BTC-USDT", mirror.channel(testPair))
	})
}

func TestBookEvent(t *testing.T) {
	logs := bookLogs()
	ev := BookEvent(logs[2])

	assert.Equal(t, protocol.LogTypeMatch, ev.Type)
	assert.Equal(t, "0.5", ev.Amount)
	assert.Equal(t, "100", ev.Price)
	assert.Equal(t, "s1", ev.MakerOrderID)
	assert.NotEmpty(t, ev.TradeID)
}
