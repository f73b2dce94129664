package match

import "time"

const (
	// EngineVersion is the current version of the matching engine
	EngineVersion = "v2.0.0"

	// DefaultBatchSize is the number of submissions that forces a batch flush.
	DefaultBatchSize = 100
	// DefaultBatchWindow is the longest a submission waits in a batcher before dispatch.
	DefaultBatchWindow = 5 * time.Millisecond
	// DefaultTaskTimeout bounds the wait for a dispatched submission.
	DefaultTaskTimeout = 100 * time.Millisecond
	// DefaultMaxRetries is the number of re-dispatches after the first attempt.
	DefaultMaxRetries = 5
	// DefaultInboxSize is the capacity of a batcher inbox and of a shard task queue.
	DefaultInboxSize = 8192
	// DefaultExpiryInterval is how often a shard sweeps expired resting orders.
	DefaultExpiryInterval = time.Second
	// DefaultDedupeWindow is the number of processed order ids each book remembers.
	DefaultDedupeWindow = 65536
)
