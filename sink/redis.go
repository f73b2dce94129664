package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the hot-store mirror.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DepthLevels int           `mapstructure:"depth_levels"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DefaultRedisConfig returns the default mirror config.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         "redis://localhost:6379/0",
		KeyPrefix:   "hybrid",
		DepthLevels: 20,
		Timeout:     time.Second,
	}
}

// NewRedisClient parses url and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RedisMirror implements match.PublishLog. It replays book logs into one AggregatedBook per pair,
// publishes every log on the pair channel and stores the top of each touched book.
//
// Keys:
//
//	<prefix>:depth:<pair>   JSON protocol.Envelope carrying a match.Depth
//	<prefix>:seq            hash pair -> last applied sequence id
//	<prefix>:events:<pair>  pub-sub channel of protocol.BookEvent envelopes
type RedisMirror struct {
	client     redis.UniversalClient
	config     RedisConfig
	serializer protocol.Serializer
	logger     *slog.Logger

	mu    sync.Mutex
	books map[string]*match.AggregatedBook
}

// RedisOption configures a RedisMirror.
type RedisOption func(*RedisMirror)

// WithRedisSerializer replaces the payload serializer.
func WithRedisSerializer(s protocol.Serializer) RedisOption {
	return func(m *RedisMirror) {
		m.serializer = s
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(m *RedisMirror) {
		m.logger = l
	}
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client redis.UniversalClient, cfg RedisConfig, opts ...RedisOption) *RedisMirror {
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = DefaultRedisConfig().DepthLevels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisConfig().Timeout
	}
	m := &RedisMirror{
		client:     client,
		config:     cfg,
		serializer: protocol.DefaultJSONSerializer{},
		logger:     match.Logger(),
		books:      make(map[string]*match.AggregatedBook),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish applies logs to the local view and writes the result to Redis in one pipeline.
// Redis errors are logged; the local view stays authoritative.
func (m *RedisMirror) Publish(logs ...*match.BookLog) {
	if len(logs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	pipe := m.client.Pipeline()
	touched := make(map[string]uint64)

	m.mu.Lock()
	for _, log := range logs {
		book := m.bookLocked(log.Pair)
		if err := book.Replay(log); err != nil {
			if !errors.Is(err, match.ErrSequenceGap) {
				m.logger.Error("mirror replay failed", "pair", log.Pair, "seq_id", log.SequenceID, "error", err)
				continue
			}
			m.logger.Warn("mirror sequence gap, resetting view", "pair", log.Pair, "error", err)
			book.Reset()
			_ = book.Replay(log)
		}
		touched[log.Pair] = book.SequenceID()

		env, err := protocol.Wrap(m.serializer, protocol.EventBookLog, log.Pair, log.SequenceID, BookEvent(log))
		if err != nil {
			m.logger.Error("mirror encode failed", "pair", log.Pair, "error", err)
			continue
		}
		if data, err := m.serializer.Marshal(env); err == nil {
			pipe.Publish(ctx, m.channel(log.Pair), data)
		}
	}

	for pair, seq := range touched {
		depth := m.depthLocked(pair)
		env, err := protocol.Wrap(m.serializer, protocol.EventDepthUpdate, pair, seq, depth)
		if err != nil {
			m.logger.Error("mirror encode failed", "pair", pair, "error", err)
			continue
		}
		data, err := m.serializer.Marshal(env)
		if err != nil {
			continue
		}
		pipe.Set(ctx, m.depthKey(pair), data, 0)
		pipe.HSet(ctx, m.seqKey(), pair, seq)
	}
	m.mu.Unlock()

	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror write failed", "logs", len(logs), "error", err)
	}
}

// Depth returns the local view of pair.
func (m *RedisMirror) Depth(pair string) (*match.Depth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[pair]; !ok {
		return nil, false
	}
	return m.depthLocked(pair), true
}

// LoadDepth reads the stored depth of pair back from Redis.
func (m *RedisMirror) LoadDepth(ctx context.Context, pair string) (*match.Depth, error) {
	data, err := m.client.Get(ctx, m.depthKey(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var env protocol.Envelope
	if err := m.serializer.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var depth match.Depth
	if err := m.serializer.Unmarshal(env.Payload, &depth); err != nil {
		return nil, err
	}
	return &depth, nil
}

// Subscribe listens on the event channel of pair.
func (m *RedisMirror) Subscribe(ctx context.Context, pair string) *redis.PubSub {
	return m.client.Subscribe(ctx, m.channel(pair))
}

func (m *RedisMirror) bookLocked(pair string) *match.AggregatedBook {
	book, ok := m.books[pair]
	if !ok {
		book = match.NewAggregatedBook(pair)
		m.books[pair] = book
	}
	return book
}

func (m *RedisMirror) depthLocked(pair string) *match.Depth {
	book := m.books[pair]
	return &match.Depth{
		Pair:     pair,
		UpdateID: book.SequenceID(),
		Asks:     book.Levels(match.Sell, m.config.DepthLevels),
		Bids:     book.Levels(match.Buy, m.config.DepthLevels),
	}
}

func (m *RedisMirror) depthKey(pair string) string {
	return m.config.KeyPrefix + ":depth:" + pair
}

func (m *RedisMirror) seqKey() string {
	return m.config.KeyPrefix + ":seq"
}

func (m *RedisMirror) channel(pair string) string {
	return m.config.KeyPrefix + ":events:" + pair
}
