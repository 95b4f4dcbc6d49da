package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"dipper/internal/broker"
	"dipper/internal/config"
	"dipper/internal/engine"
	"dipper/internal/feed"
	"dipper/internal/journal"
	"dipper/internal/market"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	dryRun := flag.Bool("dry-run", false, "Drive the paper gateway from the live feed instead of trading")
	metricsAddr := flag.String("metrics-addr", "", "Override the metrics listen address")
	flag.Parse()

	if err := run(*configPath, *dryRun, *metricsAddr); err != nil {
		log.Fatalf("dipper: %v", err)
	}
}

func run(configPath string, dryRun bool, metricsAddr string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	if cfg.Profiling.Enabled {
		_, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "dipper",
			ServerAddress:   cfg.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			logs.Warnf("continuous profiling disabled: %+v", err)
		}
	}

	jrnl, err := journal.Open(os.Getenv(cfg.Journal.DSNEnv))
	if err != nil {
		return err
	}
	defer jrnl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := market.NewStore()

	// A real broker session would dial here; the paper gateway stands in
	// behind the same supervisor and reconnect path.
	paper := broker.NewPaper(broker.PaperConfig{Location: cfg.Symbols[0].Location})
	dial := func(context.Context) (broker.Gateway, error) {
		return paper, nil
	}

	var eng *engine.Engine
	sup, err := broker.NewSupervisor(ctx, dial, func() {
		if eng != nil {
			eng.RequestResync()
		}
	})
	if err != nil {
		return err
	}
	eng = engine.New(cfg, store, sup, jrnl)
	sup.OnExecution(eng.PushExecution)

	if err := eng.Rehydrate(ctx); err != nil {
		return err
	}

	apiKey := os.Getenv(cfg.Feed.APIKeyEnv)
	fd := feed.NewClient(ctx, cfg.Feed.URL, apiKey)
	if err := fd.Start(ctx); err != nil {
		return err
	}
	defer fd.Close()
	if err := fd.SubscribeTrades(ctx, cfg.Tickers()); err != nil {
		return err
	}
	unsubscribe := fd.ObserveTrades(ctx, func(symbol string, price decimal.Decimal) {
		store.UpdatePrice(symbol, price)
		if dryRun {
			paper.MarkPrice(symbol, price)
		}
	})
	defer unsubscribe()

	opens := feed.NewOpenClient(&http.Client{Timeout: 10 * time.Second}, cfg.Feed.RestURL, apiKey)
	tracked := make([]market.OpenSymbol, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		tracked = append(tracked, market.OpenSymbol{Ticker: sym.Ticker, Location: sym.Location})
	}
	refresher := market.NewOpenRefresher(store, opens, tracked)
	go refresher.Run(ctx)

	go sup.Run(ctx)
	go serveMetrics(cfg.Metrics)
	go eng.Run(ctx)

	logs.Infof("dipper running: %d symbols, dry-run=%v", len(cfg.Symbols), dryRun)
	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	eng.Close()
	return nil
}

func serveMetrics(cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		logs.Errorf("metrics server stopped: %+v", err)
	}
}
