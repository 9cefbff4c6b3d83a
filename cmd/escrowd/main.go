package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduit-ucpi/contracts/config"
	"github.com/conduit-ucpi/contracts/native/bank"
	"github.com/conduit-ucpi/contracts/native/escrow"
	"github.com/conduit-ucpi/contracts/observability/logging"
	"github.com/conduit-ucpi/contracts/observability/otel"
	"github.com/conduit-ucpi/contracts/rpc"
	"github.com/conduit-ucpi/contracts/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Environment)

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		})
		if err != nil {
			logger.Error("telemetry init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", slog.String("path", cfg.DataDir), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	registry := bank.NewRegistry()
	for _, token := range cfg.Tokens {
		addr, err := config.ParseAddress(token.Address)
		if err != nil {
			logger.Error("token config", slog.String("error", err.Error()))
			os.Exit(1)
		}
		registry.Register(bank.NewLedger(db, addr, token.Decimals))
	}
	lookup := func(addr common.Address) (escrow.Token, bool) {
		ledger, ok := registry.Token(addr)
		if !ok {
			return nil, false
		}
		return ledger, true
	}

	mediator, err := config.ParseAddress(cfg.Mediator)
	if err != nil {
		logger.Error("mediator config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := escrow.NewKVStore(db)
	factory := escrow.NewFactory(mediator, lookup, store)
	engine := escrow.NewEngine(store, lookup)
	if policy := feePolicy(cfg.Fees); policy != (escrow.FeePolicy{}) {
		factory.SetFeePolicy(policy)
	}

	eventLog := rpc.NewEventLog(0)
	factory.SetEmitter(eventLog)
	engine.SetEmitter(eventLog)

	server := rpc.NewServer(factory, engine, registry, eventLog, logger)
	server.SetRateLimit(cfg.RateLimitPerMinute)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("mediator", mediator.Hex()),
			slog.Int("tokens", len(cfg.Tokens)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
}

// feePolicy maps configured overrides onto the platform defaults. All-zero
// config means the defaults stand.
func feePolicy(fees config.FeeConfig) escrow.FeePolicy {
	if fees.NoFeeDivisor == 0 && fees.MinFeePercent == 0 && fees.FeePercent == 0 {
		return escrow.FeePolicy{}
	}
	policy := escrow.DefaultFeePolicy()
	if fees.NoFeeDivisor > 0 {
		policy.NoFeeDivisor = fees.NoFeeDivisor
	}
	if fees.MinFeePercent > 0 {
		policy.MinFeePercent = fees.MinFeePercent
	}
	if fees.FeePercent > 0 {
		policy.FeePercent = fees.FeePercent
	}
	return policy
}
