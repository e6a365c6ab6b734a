package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/storyreel/billing-api/internal/api"
	"github.com/storyreel/billing-api/internal/config"
	"github.com/storyreel/billing-api/internal/services/auth"
	"github.com/storyreel/billing-api/internal/services/database"
	"github.com/storyreel/billing-api/internal/services/ledger"
	"github.com/storyreel/billing-api/internal/services/middleware"
	"github.com/storyreel/billing-api/internal/services/payments"
	"github.com/storyreel/billing-api/internal/services/ratelimit"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server represents a billing API server instance.
type Server struct {
	config      *config.Config
	app         *fiber.App
	db          *database.DB
	rateLimiter *ratelimit.RateLimiter
	alerts      *payments.AlertNotifier
}

// NewServer creates a new Server instance with the given configuration.
// The cfg parameter is required and must not be nil.
func NewServer(cfg *config.Config) *Server {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create config")
	}

	return &Server{
		config: cfg,
	}
}

// Run starts the billing server and blocks until shutdown.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(s.config)

	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	s.app = createFiberApp(s.config)

	db, err := database.New(*s.config.Database)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	s.db = db
	defer func() {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()
	fiberlog.Infof("Database (%s) initialized successfully", db.DriverName())

	s.rateLimiter = ratelimit.NewRateLimiter(s.config.Server.RedisURL)
	defer func() {
		if err := s.rateLimiter.Close(); err != nil {
			fiberlog.Errorf("Failed to close rate limiter: %v", err)
		}
	}()

	setupMiddleware(s.app, s.config)

	if err := s.setupRoutes(); err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	s.app.Get("/", welcomeHandler())

	fmt.Printf("Storyreel billing API starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("Context cancelled, starting shutdown...")
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		if s.alerts != nil {
			s.alerts.Close()
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

func (s *Server) setupRoutes() error {
	ledgerSvc := ledger.NewService(s.db.DB)
	if err := ledgerSvc.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate ledger tables: %w", err)
	}

	healthHandler := api.NewHealthHandler(s.db.DB)
	s.app.Get("/health", healthHandler.HealthCheck)

	var paymentsSvc *payments.Service
	var stripeHandler *api.StripeHandler
	if s.config.Billing != nil {
		s.alerts = payments.NewAlertNotifier(s.config.Billing.AlertWebhookURL)
		paymentsSvc = payments.NewService(s.db.DB, ledgerSvc, s.config.Billing, s.alerts)
		if err := paymentsSvc.AutoMigrate(); err != nil {
			return fmt.Errorf("failed to migrate payment event tables: %w", err)
		}

		stripeHandler = api.NewStripeHandler(paymentsSvc)
		s.app.Post("/webhooks/stripe", stripeHandler.HandleWebhook)
	}

	var providers []auth.AuthProvider
	adminUserIDs := []string{}
	if s.config.Auth != nil {
		adminUserIDs = s.config.Auth.AdminUserIDs

		if s.config.Auth.ClerkConfig != nil && s.config.Auth.ClerkConfig.SecretKey != "" {
			providers = append(providers, auth.NewClerkAuthProvider(s.config.Auth.ClerkConfig.SecretKey))

			if s.config.Auth.ClerkConfig.WebhookSecret != "" {
				clerkWebhookHandler := api.NewClerkWebhookHandler(s.config.Auth.ClerkConfig.WebhookSecret, ledgerSvc)
				s.app.Post("/webhooks/clerk", clerkWebhookHandler.HandleWebhook)
			}
		}

		if s.config.Auth.DatabaseConfig != nil && s.config.Auth.DatabaseConfig.JWTSecret != "" {
			providers = append(providers, auth.NewServiceTokenProvider(s.config.Auth.DatabaseConfig.JWTSecret))
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(providers, s.rateLimiter, &middleware.AuthMiddlewareConfig{
		Enabled:      len(providers) > 0,
		HeaderNames:  []string{"Authorization"},
		SkipPaths:    []string{"/health", "/webhooks"},
		AdminUserIDs: adminUserIDs,
		RateLimitRPM: 300,
	})

	v1Group := s.app.Group("/v1")
	v1Group.Use(authMiddleware.RequireAuth())

	creditsHandler := api.NewCreditsHandler(ledgerSvc)
	creditsGroup := v1Group.Group("/credits")
	creditsGroup.Get("/status", creditsHandler.GetStatus)
	creditsGroup.Get("/transactions", creditsHandler.GetTransactionHistory)
	creditsGroup.Post("/reserve", creditsHandler.Reserve)
	creditsGroup.Post("/commit", creditsHandler.Commit)
	creditsGroup.Post("/release", creditsHandler.Release)
	creditsGroup.Post("/refund", creditsHandler.Refund)
	creditsGroup.Post("/consume", creditsHandler.Consume)

	if paymentsSvc != nil {
		billingGroup := v1Group.Group("/billing")
		billingGroup.Post("/checkout/subscription", stripeHandler.CreateSubscriptionCheckout)
		billingGroup.Post("/checkout/pack", stripeHandler.CreatePackCheckout)
		billingGroup.Post("/reconcile", stripeHandler.Reconcile)

		adminHandler := api.NewAdminHandler(ledgerSvc, paymentsSvc)
		adminGroup := v1Group.Group("/admin")
		adminGroup.Use(authMiddleware.RequireAdmin())
		adminGroup.Post("/credits/adjust", adminHandler.Adjust)
		adminGroup.Post("/cycles/reset", adminHandler.ResetCycles)
		adminGroup.Get("/users/:user_id/status", adminHandler.GetUserStatus)
		adminGroup.Get("/payment-events", adminHandler.ListPaymentEvents)
	}

	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:              "Storyreel Billing API v1.0",
		EnablePrintRoutes:    !isProd,
		ReadTimeout:          2 * time.Minute,
		WriteTimeout:         2 * time.Minute,
		IdleTimeout:          5 * time.Minute,
		ReadBufferSize:       8192,
		WriteBufferSize:      8192,
		CompressedFileSuffix: ".gz",
		Prefork:              false,
		CaseSensitive:        true,
		StrictRouting:        false,
		Network:              "tcp",
		ServerHeader:         "StoryreelBilling",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:               1000,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fmt.Errorf("1000 requests per minute")
		},
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, User-Agent",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
	}))

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func welcomeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":    "Storyreel billing API",
			"version":    "1.0.0",
			"go_version": runtime.Version(),
			"status":     "running",
			"endpoints": fiber.Map{
				"status":       "/v1/credits/status",
				"reserve":      "/v1/credits/reserve",
				"transactions": "/v1/credits/transactions",
				"webhooks":     "/webhooks/stripe",
				"health":       "/health",
			},
		})
	}
}
