// cmd/server/main.go
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
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/database"
	"github.com/javajoker/accredit-backend/internal/gateway"
	"github.com/javajoker/accredit-backend/internal/i18n"
	"github.com/javajoker/accredit-backend/internal/repository"
	"github.com/javajoker/accredit-backend/internal/router"
	"github.com/javajoker/accredit-backend/internal/scheduler"
	"github.com/javajoker/accredit-backend/internal/services"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Environment != "production" {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	platform, err := database.SeedInitialData(db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to seed initial data")
	}
	if cfg.Payment.OperatorPartyID == "" {
		cfg.Payment.OperatorPartyID = platform.ID.String()
	}

	if err := i18n.Initialize(cfg.I18n.DefaultLocale); err != nil {
		logger.WithError(err).Fatal("Failed to initialize i18n")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Infrastructure
	store := repository.NewGormStore(db)
	catalog := repository.NewGormCatalog(db)
	gw := gateway.NewStripeGateway(gateway.NewStripeClient(cfg.Payment.StripeSecretKey), gateway.StripeConfig{
		SecretKey:     cfg.Payment.StripeSecretKey,
		WebhookSecret: cfg.Payment.StripeWebhookSecret,
		Timeout:       cfg.Payment.Timeout(),
	}, logger)

	storage, err := services.NewStorageService(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	var mailer services.Mailer
	if cfg.Email.Enabled {
		mailer = services.NewSMTPMailer(cfg.Email)
	}
	notifier := services.NewNotificationService(db, mailer, cfg, logger)

	var guard services.EventGuard
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unavailable, webhook deliveries rely on database deduplication only")
		}
		guard = services.NewRedisEventGuard(rdb, time.Duration(cfg.Redis.EventLockTTL)*time.Second)
	}

	// Services
	pricing := services.NewPricingService(catalog, store.Discounts())
	transfers := services.NewTransferService(store, catalog, gw, notifier, cfg, logger)
	purchases := services.NewPurchaseService(services.PurchaseServiceDeps{
		Store:     store,
		Catalog:   catalog,
		Pricing:   pricing,
		Gateway:   gw,
		Storage:   storage,
		Notifier:  notifier,
		Transfers: transfers,
		Config:    cfg,
		Logger:    logger,
	})
	webhooks := services.NewWebhookService(store, gw, purchases, guard, logger)

	if cfg.Settlement.SchedulerEnabled {
		sched, err := scheduler.New(transfers, cfg.Settlement, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize scheduler")
		}
		sched.Start()
		defer func() {
			if err := sched.Shutdown(); err != nil {
				logger.WithError(err).Error("Scheduler shutdown failed")
			}
		}()
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Initialize(ctx, router.Deps{
		DB:        db,
		Config:    cfg,
		Logger:    logger,
		Pricing:   pricing,
		Purchases: purchases,
		Transfers: transfers,
		Webhooks:  webhooks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	stop()

	logger.Info("Server exited")
}
