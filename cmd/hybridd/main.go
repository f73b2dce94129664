package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/amm"
	"github.com/0x5487/hybrid-engine/config"
	"github.com/0x5487/hybrid-engine/metrics"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/0x5487/hybrid-engine/router"
	"github.com/0x5487/hybrid-engine/sink"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.App.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("app", cfg.App.Name)
	match.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("hybridd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	opts := append(cfg.EngineOptions(), match.WithObserver(collector))

	if cfg.Redis != nil {
		client, err := sink.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		opts = append(opts, match.WithPublishLog(sink.NewRedisMirror(client, *cfg.Redis, sink.WithRedisLogger(logger))))
	} else {
		opts = append(opts, match.WithPublishLog(match.NewDiscardPublishLog()))
	}

	if cfg.Kafka != nil {
		syncer := sink.NewKafkaSyncer(*cfg.Kafka)
		defer func() {
			if err := syncer.Close(); err != nil {
				logger.Warn("kafka close failed", "error", err)
			}
		}()
		opts = append(opts, match.WithSyncer(syncer))
	}

	engine := match.NewMatchingEngine(opts...)
	if err := engine.Start(ctx); err != nil {
		return err
	}

	venue, err := buildVenue(cfg.AMM, logger)
	if err != nil {
		_ = engine.Shutdown(context.Background())
		return fmt.Errorf("amm: %w", err)
	}
	rc, err := cfg.RouterOptions()
	if err != nil {
		_ = engine.Shutdown(context.Background())
		return err
	}
	hr := router.New(engine, venue,
		router.WithConfig(rc),
		router.WithLogger(logger),
		router.WithObserver(collector),
	)

	var srv *http.Server
	if cfg.App.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.App.HTTPAddr,
			Handler:           newMux(reg, engine, hr),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
		logger.Info("http listening", "addr", cfg.App.HTTPAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, engine.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

func newMux(reg *prometheus.Registry, engine *match.MatchingEngine, hr *router.HybridRouter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		stats := engine.Stats()
		code := http.StatusOK
		healthy := 0
		for _, s := range stats.Shards {
			if s.Health == match.ShardHealthy || s.Health == match.ShardOverloaded {
				healthy++
			}
		}
		if healthy == 0 {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, stats)
	})

	// Dry run of the hybrid router: /debug/plan?pair=ETH-USDT&side=buy&amount=1.5
	mux.HandleFunc("GET /debug/plan", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		side := protocol.SideBuy
		if q.Get("side") == "sell" {
			side = protocol.SideSell
		}
		amount, err := decimal.NewFromString(q.Get("amount"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
			return
		}

		plans, err := hr.Plan(r.Context(), q.Get("pair"), side, amount)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, plans)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func buildVenue(cfg config.AMMConfig, logger *slog.Logger) (amm.Venue, error) {
	switch cfg.Mode {
	case "simulator":
		sim := amm.NewSimulator()
		for _, p := range cfg.Pools {
			fee := decimal.Zero
			if p.Fee != "" {
				f, err := decimal.NewFromString(p.Fee)
				if err != nil {
					return nil, fmt.Errorf("pool %s fee: %w", p.Pair, err)
				}
				fee = f
			}
			pool := amm.NewPool(p.Pair, decimal.RequireFromString(p.Base), decimal.RequireFromString(p.Quote), fee)
			if p.GasCost != "" {
				gas, err := decimal.NewFromString(p.GasCost)
				if err != nil {
					return nil, fmt.Errorf("pool %s gas cost: %w", p.Pair, err)
				}
				pool.WithGasCost(gas)
			}
			sim.AddPool(pool)
		}
		logger.Info("amm simulator ready", "pools", len(cfg.Pools))
		return sim, nil

	case "evm":
		pairs := make([]amm.EVMPair, 0, len(cfg.EVM.Pairs))
		for _, p := range cfg.EVM.Pairs {
			pairs = append(pairs, amm.EVMPair{
				Pair:          p.Pair,
				PairAddress:   common.HexToAddress(p.Address),
				BaseToken:     common.HexToAddress(p.BaseToken),
				QuoteToken:    common.HexToAddress(p.QuoteToken),
				BaseDecimals:  p.BaseDecimals,
				QuoteDecimals: p.QuoteDecimals,
			})
		}
		venue, err := amm.DialEVMVenue(cfg.EVM.RPCURL, cfg.EVM.PrivateKey, amm.EVMConfig{
			Router:       common.HexToAddress(cfg.EVM.Router),
			Pairs:        pairs,
			SwapGasLimit: cfg.EVM.SwapGasLimit,
			Deadline:     cfg.EVM.Deadline,
			PollInterval: cfg.EVM.PollInterval,
		}, amm.WithRateLimit(cfg.EVM.RateLimit, cfg.EVM.Burst), amm.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("amm evm venue ready", "router", cfg.EVM.Router, "pairs", len(pairs))
		return venue, nil
	}
	return nil, nil
}
