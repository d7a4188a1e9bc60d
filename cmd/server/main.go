// Package main is the entry point for the market data acquisition service.
// It polls an authenticated quote vendor and the exchange trading-halt feed,
// normalizes both into canonical records, and serves them over a REST API
// with a server-sent status event stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wombatsyoks/mariom/internal/clients/nasdaqtrader"
	"github.com/wombatsyoks/mariom/internal/clients/quotemedia"
	"github.com/wombatsyoks/mariom/internal/config"
	"github.com/wombatsyoks/mariom/internal/database"
	"github.com/wombatsyoks/mariom/internal/events"
	"github.com/wombatsyoks/mariom/internal/marketdata"
	"github.com/wombatsyoks/mariom/internal/normalize"
	"github.com/wombatsyoks/mariom/internal/scheduler"
	"github.com/wombatsyoks/mariom/internal/server"
	"github.com/wombatsyoks/mariom/internal/stream"
	"github.com/wombatsyoks/mariom/internal/watchlist"
	"github.com/wombatsyoks/mariom/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: "marketdata",
	})

	log.Info().Msg("Starting market data service")

	// Watchlist database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "watchlist.db"),
		Name: "watchlist",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open watchlist database")
	}
	defer db.Close()

	watchlistRepo, err := watchlist.NewRepository(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize watchlist")
	}
	if err := watchlistRepo.Seed(cfg.Symbols); err != nil {
		log.Warn().Err(err).Msg("Failed to seed watchlist from configuration")
	}

	// Event bus carries status notifications (source availability, refresh
	// results) to SSE subscribers. Data endpoints never surface raw errors.
	bus := events.NewBus(log)

	// Upstream clients
	quoteClient := quotemedia.NewClient(quotemedia.Config{
		AuthBaseURL: cfg.QuoteVendor.AuthBaseURL,
		Hosts:       cfg.QuoteVendor.Hosts,
		Username:    cfg.QuoteVendor.Username,
		Password:    cfg.QuoteVendor.Password,
		WMID:        cfg.QuoteVendor.WMID,
		StaticHash:  cfg.QuoteVendor.StaticHash,
		Timezone:    cfg.QuoteVendor.Timezone,
	}, nil, log)

	haltClient := nasdaqtrader.NewClient(cfg.HaltFeed.BaseURL, nil, nil, log)

	marketData := marketdata.NewService(
		quoteClient,
		haltClient,
		normalize.New(log),
		bus,
		quotemedia.StatsRequest{},
		log,
	)

	// Best-effort streaming channel, borrowing the vendor session id from the
	// polled client's credential cache.
	var streamClient *stream.Client
	if cfg.Stream.Enabled && cfg.Stream.URL != "" {
		symbols, err := watchlistRepo.Symbols()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load watchlist for stream subscription")
		}
		sidProvider := func(ctx context.Context) (string, error) {
			cred, err := quoteClient.Credentials().Get(ctx, quotemedia.KindSID)
			if err != nil {
				return "", err
			}
			return cred.Value, nil
		}
		streamClient = stream.NewClient(cfg.Stream.URL, symbols, sidProvider, normalize.New(log), bus, log)
		if err := streamClient.Start(); err != nil {
			log.Warn().Err(err).Msg("Stream start failed, polling remains authoritative")
		}
	}

	// Periodic refresh jobs
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Polling.QuotesSchedule, scheduler.JobFunc{
		JobName: "refresh_quotes",
		Fn: func(ctx context.Context) error {
			marketData.FetchQuotes(ctx, nil)
			return nil
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register quote refresh job")
	}
	if err := sched.AddJob(cfg.Polling.HaltsSchedule, scheduler.JobFunc{
		JobName: "refresh_halts",
		Fn: func(ctx context.Context) error {
			marketData.FetchHalts(ctx)
			return nil
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register halt refresh job")
	}
	sched.Start()

	// Prime the snapshots so the API has data before the first tick.
	go marketData.RefreshAll(context.Background())

	// HTTP server
	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		AppConfig:  cfg,
		MarketData: marketData,
		Watchlist:  watchlistRepo,
		Stream:     streamClient,
		EventBus:   bus,
		DB:         db,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	if streamClient != nil {
		if err := streamClient.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping stream client")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
