package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/handler"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/server"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/console/service"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/repository/postgres"
	"go.uber.org/zap"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	// 2. Инфраструктура и ресурсы
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	cancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()
	// Схему накатывает движок, консоль живет поверх готовых таблиц
	repo := postgres.NewTaskRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// 3. Ключи RS256: приватный подписывает токены, публичный их проверяет
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse signing key", zap.Error(err))
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse verification key", zap.Error(err))
	}
	validator := auth.NewBaseValidator(publicKey)

	// 4. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(repo, privateKey, cfg.Auth.TokenTTL)
	approvalService := service.NewApprovalService(repo, rdb, logger)
	settingsService := service.NewSettingsService(repo, rdb, logger)
	taskService := service.NewTaskService(repo, auditRepo, rdb, logger)
	dashService := service.NewDashboardService(repo)
	auditService := service.NewAuditService(auditRepo)

	consoleSrv := server.NewConsoleServer(
		logger,
		validator,
		handler.NewAuthHandler(authService),
		handler.NewApprovalHandler(approvalService),
		handler.NewSettingsHandler(settingsService),
		handler.NewTaskHandler(taskService),
		handler.NewDashboardHandler(dashService),
		handler.NewAuditHandler(auditService),
	)

	// 5. HTTP Server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Console API stopping...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("Console API exited properly")
}
