package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sellerhub/meli-insights/internal/config"
	"github.com/sellerhub/meli-insights/internal/handlers"
	"github.com/sellerhub/meli-insights/internal/services"
	"github.com/sellerhub/meli-insights/internal/workers"
	"github.com/sellerhub/meli-insights/pkg/database"
	"github.com/sellerhub/meli-insights/pkg/meliapi"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting Meli Insights API")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	log.Info().Msg("Running database migrations...")
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Migrations completed successfully")

	// Marketplace API client
	client := meliapi.NewClient(cfg.MeliSiteID, cfg.RedisURL, cfg.UpstreamRateLimit, cfg.UpstreamTimeout)

	// Initialize services
	accountService := services.NewAccountService(db, cfg.EncryptionKey)
	resolutionLog := services.NewResolutionLogService(db)
	appTokens := services.NewAppTokenProvider(client, cfg.MeliClientID, cfg.MeliClientSecret)
	actorTokens := services.NewActorTokenProvider(accountService, client, cfg.MeliClientID, cfg.MeliClientSecret, cfg.EncryptionKey)
	resolver := services.NewResolver(client, appTokens, actorTokens,
		cfg.CompetitorCap, cfg.SellerFanoutCap, cfg.MaxConcurrentFetches)

	// Background token refresher
	refresher := workers.NewTokenRefresher(accountService, actorTokens, cfg.TokenRefreshInterval)
	refresher.Start(ctx)

	// Initialize handlers
	resolveHandler := handlers.NewResolveHandler(resolver, resolutionLog)
	accountHandler := handlers.NewAccountHandler(accountService, client, cfg)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Product resolution (the dashboard may call it anonymously)
		r.With(handlers.OptionalAuthMiddleware).Post("/products/resolve", resolveHandler.Resolve)

		// Account connect flow (state carries the student identity)
		r.With(handlers.OptionalAuthMiddleware).Get("/accounts/connect", accountHandler.Connect)
		r.Get("/accounts/callback", accountHandler.Callback)

		// Protected Routes
		r.Group(func(r chi.Router) {
			r.Use(handlers.AuthMiddleware)

			r.Get("/accounts", accountHandler.List)
			r.Delete("/accounts/{accountID}", accountHandler.Delete)
			r.Get("/resolutions/recent", resolveHandler.Recent)
		})
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
