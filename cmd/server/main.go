package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpay/apipod-smart-proxy/internal/config"
	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/forwarder"
	"github.com/rpay/apipod-smart-proxy/internal/applog"
	"github.com/rpay/apipod-smart-proxy/internal/metrics"
	"github.com/rpay/apipod-smart-proxy/internal/middleware"
	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/modelinfo"
	"github.com/rpay/apipod-smart-proxy/internal/openrouter"
	"github.com/rpay/apipod-smart-proxy/internal/pricing"
	"github.com/rpay/apipod-smart-proxy/internal/retention"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

func main() {
	logger, err := applog.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	runnerLogger, runnerFile, err := applog.NewRunnerLogger("runner.log")
	if err != nil {
		logger.Fatalw("failed to create runner.log", "err", err)
	}
	defer runnerFile.Close()

	logger.Info("starting apipod-smart-proxy")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("failed to load configuration", "err", err)
	}
	logger.Infow("configuration loaded", "port_proxy", cfg.PortProxy, "port_admin", cfg.PortAdmin)

	seed, err := config.LoadSeed("")
	if err != nil {
		logger.Fatalw("failed to load proxy.yaml seed", "err", err)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.TargetURL)
	if err != nil {
		logger.Fatalw("failed to open store", "err", err)
	}
	defer st.Close()
	logger.Infow("store opened", "path", cfg.DatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pricingEntries := loadAllPricingEntries(ctx, st, logger)
	cancel()
	pricingEntries = append(pricingEntries, seed.Pricing...)
	pricingTable := pricing.NewTable(pricingEntries)

	bus := eventbus.New(logger)
	modelCache := modelinfo.New()
	promMetrics := metrics.New()
	enricher := openrouter.New(st, bus, logger)

	retentionWorker := retention.New(st, logger)
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	go retentionWorker.Run(retentionCtx)

	if len(seed.RoutingRules) > 0 {
		logger.Infow("proxy.yaml seeded routing rules present; admin surface should import them", "count", len(seed.RoutingRules))
	}

	fwd := forwarder.New(st, pricingTable, bus, enricher, modelCache, promMetrics, logger, runnerLogger)
	loggingMiddleware := middleware.NewLoggingMiddleware(logger)

	proxyMux := http.NewServeMux()
	proxyMux.Handle("/", loggingMiddleware.LogRequest(fwd))

	proxySrv := &http.Server{
		Addr:         ":" + cfg.PortProxy,
		Handler:      proxyMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	adminMux.Handle("/metrics", promMetrics.Handler())
	adminMux.HandleFunc("/events", bus.ServeWS)

	adminSrv := &http.Server{
		Addr:         ":" + cfg.PortAdmin,
		Handler:      adminMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("proxy listener starting", "addr", proxySrv.Addr)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("proxy listener failed", "err", err)
		}
	}()

	go func() {
		logger.Infow("admin listener starting", "addr", adminSrv.Addr, "routes", []string{"/health", "/metrics", "/events"})
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("admin listener failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	retentionCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("proxy listener forced to shutdown", "err", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("admin listener forced to shutdown", "err", err)
	}
	logger.Info("stopped gracefully")
}

// loadAllPricingEntries gathers every row in the pricing_entries table.
// The store interface filters by provider (plus provider='' wildcard
// rows) rather than exposing a bare "list everything", so the known
// provider set is queried individually and merged by id.
func loadAllPricingEntries(ctx context.Context, st store.Store, logger interface {
	Errorw(msg string, kv ...interface{})
}) []model.PricingEntry {
	providers := []string{"openai", "anthropic", "azure", "openrouter", "custom", ""}
	seen := make(map[int64]bool)
	var out []model.PricingEntry
	for _, p := range providers {
		entries, err := st.ListPricingEntries(ctx, p)
		if err != nil {
			logger.Errorw("failed to load pricing entries", "provider", p, "err", err)
			continue
		}
		for _, e := range entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}
