package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rewardhub/config"
	"rewardhub/core/settlement"
	"rewardhub/core/types"
	"rewardhub/native/rewards"
	"rewardhub/native/voucher"
	"rewardhub/observability/logging"
	"rewardhub/rpc"
	"rewardhub/storage"
)

const (
	envVarEnv      = "REWARDHUB_ENV"
	envVarRPCToken = "REWARDHUB_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVarEnv))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Env
	}

	logger := logging.Setup("rewardhubd", env, logging.Options{FilePath: cfg.LogFile})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	issuers, err := cfg.IssuerAddresses()
	if err != nil {
		logger.Error("Failed to decode issuer addresses", slog.Any("error", err))
		os.Exit(1)
	}
	if len(issuers) == 0 {
		logger.Warn("No issuer addresses configured; voucher claims will be rejected")
	}

	categories, err := cfg.VoucherCategories()
	if err != nil {
		logger.Error("Failed to build voucher categories", slog.Any("error", err))
		os.Exit(1)
	}

	sink := eventLogger(logger)
	settle := settlement.NewLocalAuthorizer()

	snapshots := rewards.NewSnapshotStore(db)
	snapshots.SetEventSink(sink)

	claims := rewards.NewClaimEngine(snapshots, db, settle)
	claims.SetEventSink(sink)

	voucherStore := voucher.NewStateStore(db)
	if err := voucherStore.Seed(categories); err != nil {
		logger.Error("Failed to seed voucher categories", slog.Any("error", err))
		os.Exit(1)
	}
	vouchers := voucher.NewEngine(voucherStore, voucher.NewSignerSet(issuers...), settle)
	vouchers.SetEventSink(sink)

	go func() {
		router := chi.NewRouter()
		router.Use(middleware.Recoverer)
		router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		router.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", slog.String("address", cfg.MetricsAddress))
		if err := http.ListenAndServe(cfg.MetricsAddress, router); err != nil {
			logger.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()

	authToken := strings.TrimSpace(os.Getenv(envVarRPCToken))
	if authToken == "" {
		logger.Warn("RPC auth token not set; snapshot creation is open", slog.String("env_var", envVarRPCToken))
	}

	server := rpc.NewServer(snapshots, claims, vouchers, authToken)
	server.SetRateLimit(cfg.RPCRequestsPerMinute/60.0, cfg.RPCBurst)

	logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func eventLogger(logger *slog.Logger) func(*types.Event) {
	return func(evt *types.Event) {
		if evt == nil {
			return
		}
		attrs := make([]any, 0, len(evt.Attributes)*2)
		for key, value := range evt.Attributes {
			attrs = append(attrs, slog.String(key, value))
		}
		logger.Info("event "+evt.Type, attrs...)
	}
}
