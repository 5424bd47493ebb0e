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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/audit"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/classifier"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/connectors"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/engine"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/executor"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/gate"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra/auth"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/repository/postgres"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/session"
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

	// Контекст жизненного цикла фоновых горутин: слушатели Redis, уборка,
	// журнал. При SIGTERM cancel() гасит их всех.
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	initCtx, initCancel := context.WithTimeout(appCtx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(initCtx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	initCancel()
	store := postgres.NewTaskRepo(pool)

	// Redis обязателен: в нем живут окна сессий и межузловые сигналы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	// 3. Журнал аудита: буферизованная запись пачками в Postgres
	auditRepo := postgres.NewAuditRepo(pool)
	journal := audit.NewJournal(auditRepo,
		cfg.Orchestrator.AuditBufferSize,
		cfg.Orchestrator.AuditFlushInterval,
		logger)
	journal.Start()
	defer journal.Stop() // Stop дожимает остатки буфера в базу

	// 4. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	// Глубина буфера журнала как gauge, снимаем раз в несколько секунд
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				metrics.AuditBufferFill.Set(float64(journal.Depth()))
			}
		}
	}()

	// 5. Execution Layer (Исполнение + Надежность)
	// Мок внешних систем. В проде сюда встает gRPC-адаптер реальных коннекторов.
	systems := &connectors.MockSystemsConnector{}
	// Оборачиваем в Reliability (Retries, Circuit Breaker, Rate Limit)
	safeSystems := engine.NewReliabilityWrapper(systems, cfg.Orchestrator, metrics, logger)

	registry := executor.NewRegistry()
	registry.Register(executor.NewScheduleExecutor(safeSystems, logger))
	registry.Register(executor.NewSummarizeExecutor(safeSystems, logger))
	registry.Register(executor.NewAnalyzeExecutor(safeSystems, logger))
	registry.Register(executor.NewNotifyExecutor(safeSystems, logger))

	// 6. Понимание фраз и шлюз уверенности
	cls := classifier.New(cfg.Classifier, cfg.Gate, logger)

	baseThresholds := domain.ThresholdSet{
		Auto:    cfg.Gate.AutoThreshold,
		Confirm: cfg.Gate.ConfirmThreshold,
		Clarify: cfg.Gate.ClarifyThreshold,
	}
	thresholds := gate.NewMemoThresholds(baseThresholds, store, logger)
	if err := thresholds.Refresh(appCtx); err != nil {
		logger.Warn("threshold overrides not loaded, using defaults", zap.Error(err))
	}

	prefs := engine.NewMemoPrefs(store, logger)
	if err := prefs.Warm(appCtx); err != nil {
		logger.Warn("automation preferences not warmed", zap.Error(err))
	}

	// 7. Сессии диалогов
	history := session.NewRedisStore(rdb, cfg.Session.HistoryLimit, cfg.Session.TTL)
	sessions := session.NewManager(history, store, logger)

	// 8. Core (Сборка ядра оркестратора)
	core := engine.NewOrchestrator(appCtx, engine.OrchestratorDeps{
		Classifier: cls,
		Thresholds: thresholds,
		Prefs:      prefs,
		Sessions:   sessions,
		Store:      store,
		Registry:   registry,
		Journal:    journal,
		Redis:      rdb,
		Metrics:    metrics,
		Logger:     logger,
		Config:     cfg.Orchestrator,
	})
	core.StartListeners(appCtx)
	core.StartMaintenance(appCtx, time.Minute)

	// 9. HTTP Server
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse verification key", zap.Error(err))
	}
	validator := auth.NewBaseValidator(publicKey)

	gateway := engine.NewGateway(core, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gateway.Routes(validator),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Assistant Engine started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Assistant Engine stopping...")
	// Сначала перестаем принимать новые запросы, потом гасим фон
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()
	logger.Info("Assistant Engine exited properly")
}
