package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablemint/core/events"
	"stablemint/native/cdp"
	nativecommon "stablemint/native/common"
	"stablemint/native/token"
	"stablemint/observability"
	"stablemint/observability/logging"
	telemetry "stablemint/observability/otel"
	"stablemint/services/cdpd/config"
	"stablemint/services/cdpd/oracle"
	"stablemint/services/cdpd/server"
	"stablemint/services/cdpd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("cdpd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("STABLEMINT_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("cdpd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cdpd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("cdpd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("cdpd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("cdpd: open storage: %v", err)
	}
	defer store.Close()

	module := common.HexToAddress(cfg.ModuleAddress)
	synthToken := common.HexToAddress(cfg.Synthetic.Token)

	ledger := token.NewLedger(store)

	prices := oracle.NewManager()
	tokens := make([]common.Address, 0, len(cfg.Collateral))
	feeds := make([]common.Address, 0, len(cfg.Collateral))
	for _, asset := range cfg.Collateral {
		tokenAddr := common.HexToAddress(asset.Token)
		feedAddr := common.HexToAddress(asset.Feed)
		tokens = append(tokens, tokenAddr)
		feeds = append(feeds, feedAddr)
		if asset.InitialPrice == "" {
			continue
		}
		price, _ := new(big.Int).SetString(asset.InitialPrice, 10)
		round, err := prices.SetPrice(feedAddr, price)
		if err != nil {
			log.Fatalf("cdpd: seed price for %s: %v", asset.Symbol, err)
		}
		logger.Info("seeded price feed",
			slog.String("symbol", asset.Symbol),
			slog.String("feed", feedAddr.Hex()),
			slog.Uint64("round", round.RoundID))
	}

	engine, err := cdp.NewEngine(module, tokens, feeds)
	if err != nil {
		log.Fatalf("cdpd: engine: %v", err)
	}
	engine.SetState(store)
	engine.SetOracle(prices)
	engine.SetCollateralBackend(token.NewBackend(ledger, module))
	engine.SetSyntheticLedger(token.NewSynthetic(ledger, synthToken, module))
	engine.SetPauses(nativecommon.NewPauseSet(cfg.Paused))
	engine.SetEvents(events.EmitterFunc(func(evt *events.Event) {
		if evt == nil {
			return
		}
		observability.Events().RecordEvent(evt.Type)
		attrs := make([]any, 0, 2*len(evt.Attributes)+1)
		attrs = append(attrs, slog.String("type", evt.Type))
		for key, value := range evt.Attributes {
			attrs = append(attrs, slog.String(key, value))
		}
		logger.Debug("engine event", attrs...)
	}))

	seedBalances(cfg, ledger, logger)

	srv, err := server.New(server.Config{
		RateLimitPerMinute: cfg.RateLimit.RequestsPerMinute,
		RateLimitBurst:     cfg.RateLimit.Burst,
	}, engine, ledger, prices, synthToken, logger)
	if err != nil {
		log.Fatalf("cdpd: server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "cdpd.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("cdpd listening", slog.String("address", cfg.ListenAddress))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("cdpd: http server: %v", err)
	}
}

// seedBalances credits configured collateral balances once. Accounts that
// already hold tokens are left untouched so restarts do not inflate supply.
func seedBalances(cfg config.Config, ledger *token.Ledger, logger *slog.Logger) {
	for _, seed := range cfg.Balances {
		account := common.HexToAddress(seed.Account)
		tokenAddr := common.HexToAddress(seed.Token)
		amount, _ := new(big.Int).SetString(seed.Amount, 10)
		existing, err := ledger.BalanceOf(tokenAddr, account)
		if err != nil {
			log.Fatalf("cdpd: read seed balance: %v", err)
		}
		if existing.Sign() > 0 {
			continue
		}
		if err := ledger.Mint(tokenAddr, account, amount); err != nil {
			log.Fatalf("cdpd: seed balance: %v", err)
		}
		logger.Info("seeded balance",
			slog.String("account", account.Hex()),
			slog.String("token", tokenAddr.Hex()),
			slog.String("amount", amount.String()))
	}
}
