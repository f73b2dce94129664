package router

import (
	"log/slog"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/shopspring/decimal"
)

// Config tunes routing decisions.
type Config struct {
	MaxPriceImpact decimal.Decimal // AMM price impact a chunk may cause
	MaxChunks      int             // Upper bound on chunks per route
	MinChunk       decimal.Decimal // Chunks are never halved below this size; zero disables
	TieTolerance   decimal.Decimal // Relative price difference treated as equal
	MaxSlippage    decimal.Decimal // Slippage bound attached to AMM swaps
	GasPriceQuote  decimal.Decimal // Quote currency per native gas token; zero ignores gas
	DepthLevels    uint32          // Book levels read when estimating a chunk
	QuoteTimeout   time.Duration   // Bound for each AMM quote and depth read
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{
		MaxPriceImpact: decimal.RequireFromString("0.01"),
		MaxChunks:      8,
		TieTolerance:   decimal.RequireFromString("0.0001"),
		MaxSlippage:    decimal.RequireFromString("0.005"),
		DepthLevels:    50,
		QuoteTimeout:   2 * time.Second,
	}
}

// Observer receives routing measurements. The metrics package provides a Prometheus implementation.
type Observer interface {
	RouteFilled(pair string, venue protocol.Venue, amount decimal.Decimal)
	RouteCompleted(pair string, chunks int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RouteFilled(string, protocol.Venue, decimal.Decimal) {}
func (nopObserver) RouteCompleted(string, int, time.Duration)           {}

// Option configures a HybridRouter.
type Option func(*HybridRouter)

// WithConfig replaces the routing configuration.
func WithConfig(c Config) Option {
	return func(r *HybridRouter) {
		r.config = c
	}
}

// WithLogger sets the router logger. The engine logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *HybridRouter) {
		r.logger = l
	}
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(r *HybridRouter) {
		if obs != nil {
			r.observer = obs
		}
	}
}

func defaultRouter() *HybridRouter {
	return &HybridRouter{
		config:   DefaultConfig(),
		logger:   match.Logger(),
		observer: nopObserver{},
	}
}

type routeOptions struct {
	userID      string
	maxSlippage *decimal.Decimal
}

// RouteOption configures a single Route call.
type RouteOption func(*routeOptions)

// WithUserID sets the user the order-book legs are submitted for.
func WithUserID(id string) RouteOption {
	return func(o *routeOptions) {
		o.userID = id
	}
}

// WithMaxSlippage overrides the AMM slippage bound for one route.
func WithMaxSlippage(s decimal.Decimal) RouteOption {
	return func(o *routeOptions) {
		o.maxSlippage = &s
	}
}
