// Package main is the entry point for the Passkey Service.
// The Passkey Service handles WebAuthn registration and authentication,
// credential management, and the one-time-code fallback.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"

	"github.com/openidx/passkeys/internal/auth"
	"github.com/openidx/passkeys/internal/common/config"
	"github.com/openidx/passkeys/internal/common/database"
	"github.com/openidx/passkeys/internal/common/logger"
	"github.com/openidx/passkeys/internal/email"
	"github.com/openidx/passkeys/internal/metrics"
	"github.com/openidx/passkeys/internal/passkeys"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Initialize logger
	log := logger.New()
	defer log.Sync()

	log.Info("Starting Passkey Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	// Load configuration
	cfg, err := config.Load("passkey-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database connection
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run schema migrations
	if err := database.Migrate(context.Background(), cfg.DatabaseURL); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize Redis connection
	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware())
	router.Use(auth.EnsureSession(cfg.IsProduction()))

	// Metrics endpoint
	router.GET("/metrics", metrics.Handler())

	// Login sessions
	logins := auth.NewSessionService(redis.Client, log).WithConfig(auth.SessionConfig{
		TTL:       time.Duration(cfg.Login.SessionTTLHours) * time.Hour,
		KeyPrefix: "login:",
	})
	router.Use(auth.ResolveLogin(logins, log))

	// Stores and collaborators
	store := passkeys.NewPostgresStore(db.Pool, log)
	challenges := passkeys.NewRedisSessionStore(redis.Client,
		time.Duration(cfg.WebAuthn.Timeout)*time.Second)
	identities := passkeys.NewPostgresIdentityProvider(db.Pool)
	notifier := email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, log)

	// Ceremony engine
	pkConfig := &passkeys.Config{
		RPDisplayName:  cfg.WebAuthn.RPDisplayName,
		RPID:           cfg.WebAuthn.RPID,
		RPOrigins:      cfg.WebAuthn.RPOrigins,
		Timeout:        time.Duration(cfg.WebAuthn.Timeout) * time.Second,
		Attachment:     protocol.AuthenticatorAttachment(cfg.WebAuthn.Attachment),
		UsernameLookup: passkeys.UsernameField(cfg.Login.UsernameField),
	}
	service, err := passkeys.NewService(pkConfig, store, challenges, identities, log)
	if err != nil {
		log.Fatal("Failed to initialize ceremony engine", zap.Error(err))
	}

	// One-time-code fallback
	otp := passkeys.NewOTPService(store, notifier,
		time.Duration(cfg.OTP.WindowSeconds)*time.Second, log)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	otp.StartPurgeLoop(workerCtx, time.Duration(cfg.OTP.PurgeIntervalMinutes)*time.Minute)

	// Register routes
	handlers := passkeys.NewHandlers(service, otp, logins, cfg.Login.LoginURL, log)
	handlers.RegisterRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "passkey-service",
			"version": Version,
		})
	})

	// Readiness check endpoint
	router.GET("/ready", func(c *gin.Context) {
		status := gin.H{"status": "ready", "postgres": "ok", "redis": "ok"}
		if err := db.Ping(); err != nil {
			status["status"] = "not ready"
			status["postgres"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if err := redis.Client.Ping(c.Request.Context()).Err(); err != nil {
			status["redis"] = "unhealthy"
		}
		c.JSON(http.StatusOK, status)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
