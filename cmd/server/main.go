package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/oldoneme/quote-approval-service/internal/bus"
	"github.com/oldoneme/quote-approval-service/internal/client"
	"github.com/oldoneme/quote-approval-service/internal/config"
	"github.com/oldoneme/quote-approval-service/internal/database"
	"github.com/oldoneme/quote-approval-service/internal/handler"
	"github.com/oldoneme/quote-approval-service/internal/httpclient"
	"github.com/oldoneme/quote-approval-service/internal/logger"
	"github.com/oldoneme/quote-approval-service/internal/metrics"
	"github.com/oldoneme/quote-approval-service/internal/middleware"
	"github.com/oldoneme/quote-approval-service/internal/reconciler"
	"github.com/oldoneme/quote-approval-service/internal/repository"
	"github.com/oldoneme/quote-approval-service/internal/service"
	"github.com/oldoneme/quote-approval-service/internal/syncer"
	"github.com/oldoneme/quote-approval-service/internal/wecom"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Quote Approval Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	recordRepo := repository.NewApprovalRecordRepository(db)
	quoteRepo := repository.NewQuoteRepository(db, recordRepo)
	eventRepo := repository.NewExternalEventRepository(db)
	errorRepo := repository.NewErrorLedgerRepository(db)

	// Metrics
	prom := metrics.NewProm("quote_approval")

	// Event bus, engine
	eventBus := bus.New(log.Logger)
	engine := service.NewEngine(quoteRepo, eventBus, prom, log.Logger)

	// Callback crypto codec
	codec, err := wecom.NewCodec(cfg.WeCom.CallbackToken, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize callback codec")
	}

	// Approval platform client. Without a corp secret the service runs
	// internal-only: outbound pushes and the reconciler are disabled.
	var platform *wecom.Client
	if cfg.WeCom.CorpSecret != "" {
		platformHTTP := httpclient.NewClient(cfg.WeCom.BaseURL)
		tokens := wecom.NewCachedTokenProvider(platformHTTP, cfg.WeCom.CorpID, cfg.WeCom.CorpSecret)
		platform = wecom.NewClient(platformHTTP, tokens, cfg.WeCom.AgentID, cfg.WeCom.TemplateID)
		log.Info().Str("base_url", cfg.WeCom.BaseURL).Msg("Approval platform client initialized")
	} else {
		log.Warn().Msg("WECOM_CORP_SECRET not set; running without outbound platform sync")
	}

	// Sync adapter. The typed-nil dance matters: a nil *wecom.Client in the
	// interface would not compare equal to nil inside the adapter.
	var platformClient syncer.PlatformClient
	if platform != nil {
		platformClient = platform
	}
	adapter := syncer.New(engine, quoteRepo, platformClient, errorRepo, prom, log.Logger, syncer.DefaultRetryPolicy)
	adapter.Register(eventBus)

	// NATS notifications (optional, non-fatal)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable; notifications disabled")
			natsConn = nil
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	client.NewNotificationPublisher(natsConn, log.Logger).Register(eventBus)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, quoteRepo, recordRepo, log.Logger)

	var detailFetcher handler.DetailFetcher
	if platform != nil {
		detailFetcher = platform
	}
	callbackHandler := handler.NewCallbackHandler(codec, eventRepo, errorRepo, adapter, detailFetcher, prom, log.Logger)

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	// Platform callback routes
	mux.HandleFunc("/callback/verify", callbackHandler.Verify)
	mux.HandleFunc("/callback/approval", callbackHandler.Approval)

	// Quote approval routes
	mux.HandleFunc("/api/v1/quotes/submit", httpHandler.Submit)
	mux.HandleFunc("/api/v1/quotes/approve", httpHandler.Approve)
	mux.HandleFunc("/api/v1/quotes/reject", httpHandler.Reject)
	mux.HandleFunc("/api/v1/quotes/withdraw", httpHandler.Withdraw)
	mux.HandleFunc("/api/v1/quotes/approval", httpHandler.GetApproval)
	mux.HandleFunc("/api/v1/quotes/history", httpHandler.GetHistory)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Compensation reconciler (requires the platform client)
	if platform != nil {
		sweeper := reconciler.New(quoteRepo, platform, adapter, prom, log.Logger,
			cfg.Reconciler.Interval, cfg.Reconciler.StuckThreshold)
		go sweeper.Run(ctx)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
