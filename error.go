package match

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by a MatchingEngine operation wraps exactly one
// of them, so callers can branch with errors.Is(err, ErrValidation) and friends.
// Errors of the publisher ring and the aggregated book are not classed.
var (
	ErrValidation   = errors.New("validation error")
	ErrRouting      = errors.New("routing error")
	ErrTimeout      = errors.New("timeout")
	ErrShardFailure = errors.New("shard failure")
)

var (
	ErrInvalidParam  = fmt.Errorf("%w: the param is invalid", ErrValidation)
	ErrInvalidSide   = fmt.Errorf("%w: unknown side", ErrValidation)
	ErrInvalidType   = fmt.Errorf("%w: unknown order type", ErrValidation)
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidPrice  = fmt.Errorf("%w: limit price must be positive", ErrValidation)
	ErrInvalidPair   = fmt.Errorf("%w: pair is required", ErrValidation)
	ErrOrderExpired  = fmt.Errorf("%w: order already expired", ErrValidation)
	ErrOrderNotFound = fmt.Errorf("%w: order not found", ErrValidation)

	ErrNoHealthyShard = fmt.Errorf("%w: no healthy shard available", ErrRouting)
	ErrQueueFull      = fmt.Errorf("%w: queue is full", ErrRouting)
	ErrPairMigrating  = fmt.Errorf("%w: pair is being migrated", ErrRouting)
	ErrCircuitOpen    = fmt.Errorf("%w: circuit breaker is open", ErrRouting)
	ErrNotFound       = fmt.Errorf("%w: pair not found", ErrRouting)
	ErrShutdown       = fmt.Errorf("%w: engine is shutting down", ErrRouting)
	ErrNotStarted     = fmt.Errorf("%w: engine is not started", ErrRouting)

	ErrTaskTimeout = fmt.Errorf("%w: task exceeded its deadline", ErrTimeout)

	ErrShardPanic   = fmt.Errorf("%w: worker panicked", ErrShardFailure)
	ErrShardStopped = fmt.Errorf("%w: worker stopped", ErrShardFailure)

	ErrDisruptorFull = errors.New("disruptor: buffer is full")
	ErrSequenceGap   = errors.New("aggregated book: sequence gap")
)

// errNotOwner is returned by a shard for a pair it no longer owns; the coordinator re-resolves.
var errNotOwner = errors.New("shard does not own pair")

// IsRetryable reports whether the coordinator may re-dispatch after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrShardFailure) || errors.Is(err, errNotOwner)
}
