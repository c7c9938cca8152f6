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
	"go.uber.org/zap"

	"github.com/xela07ax/guestgate-engine/internal/approval"
	"github.com/xela07ax/guestgate-engine/internal/audit"
	"github.com/xela07ax/guestgate-engine/internal/bus"
	"github.com/xela07ax/guestgate-engine/internal/domain"
	"github.com/xela07ax/guestgate-engine/internal/infra"
	"github.com/xela07ax/guestgate-engine/internal/monitor"
	"github.com/xela07ax/guestgate-engine/internal/notify"
	"github.com/xela07ax/guestgate-engine/internal/permission"
	"github.com/xela07ax/guestgate-engine/internal/processor"
	"github.com/xela07ax/guestgate-engine/internal/registry"
	"github.com/xela07ax/guestgate-engine/internal/repository/postgres"
	"github.com/xela07ax/guestgate-engine/internal/server"
	"github.com/xela07ax/guestgate-engine/internal/store"
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
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин.
	// При SIGTERM cancel() остановит свипер и watchdog'и.
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	pool, err := postgres.NewPool(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer pool.Close()

	archiveRepo := postgres.NewArchiveRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	resourceRepo := postgres.NewResourceRepo(pool)

	// Журнал аудита: данные летят в базу пачками
	trail := audit.NewTrail(auditRepo, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval)
	trail.Start()

	// 3. Ядро движка
	eventBus := bus.New(logger)
	notifier := notify.NewRedisDispatcher(rdb, logger)
	kv := store.NewRedisStore(rdb)

	// Execution Layer: процессор ресурса за Reliability-оберткой
	// (Rate Limiter -> Circuit Breaker -> Retries)
	safeProcessor := processor.NewReliabilityWrapper(&processor.MockResourceProcessor{}, processor.BreakerSettings{
		MaxRequests: cfg.Engine.CBMaxRequests,
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
	})

	gate := approval.NewGate(safeProcessor, notifier, eventBus, kv, trail, logger)

	reg := registry.New(appCtx, registry.Deps{
		Store:    kv,
		Archive:  archiveRepo,
		Checker:  permission.NewChecker(),
		Gate:     gate,
		Bus:      eventBus,
		Notifier: notifier,
		Auditor:  trail,
		Resolver: resourceRepo,
		Signals:  notifier,
		Logger:   logger,
	}, registry.Config{
		DefaultMaxDuration: cfg.Engine.DefaultMaxDuration,
		DefaultInactivity:  cfg.Engine.DefaultInactivity,
	})

	// 4. Фоновые мониторы
	reaper := monitor.NewReaper(reg, cfg.Engine.WatchdogInterval, logger)
	reg.SetWatchdog(reaper)

	oracle := monitor.NewTopicOracle(reg)
	sweeper := monitor.NewSweeper(reg, oracle, cfg.Engine.SweepInterval, cfg.Engine.RequestTTL, logger)
	go sweeper.Run(appCtx)

	// Терминальная сессия больше не нуждается в seen-множестве оракула
	eventBus.SubscribeLifecycle(bus.SessionWildcard, func(evt domain.SessionEvent) {
		switch evt.Type {
		case domain.EventEnded, domain.EventRejected, domain.EventComplianceViolation:
			oracle.Forget(evt.SessionID)
		}
	})

	// Восстановление живых сессий после перезапуска
	if err := reg.Restore(appCtx); err != nil {
		logger.Fatal("session restore failed", zap.Error(err))
	}

	// 5. Метрики
	promReg := prometheus.NewRegistry()
	metrics := server.NewMetrics(promReg)
	metrics.ObserveBus(eventBus)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				metrics.SyncSessions(reg.ListSessions())
				metrics.AuditBufferFill.Set(float64(trail.Depth()))
			}
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics exporter started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics exporter failed", zap.Error(err))
		}
	}()

	// 6. HTTP API
	privateKey, err := server.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("auth key init failed", zap.Error(err))
	}
	publicKey, err := server.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth key init failed", zap.Error(err))
	}
	authService := server.NewAuthService(userRepo, privateKey, publicKey, cfg.Auth.TokenTTL)

	handler := server.NewSessionHandler(reg, archiveRepo, auditRepo, metrics, logger)
	api := server.NewServer(logger, authService, handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("guestgate engine started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("guestgate engine stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Порядок важен: сначала гасим фоновые мониторы, потом watchdog'и,
	// последним — аудит (чтобы дописать их финальные события)
	cancel()
	reaper.StopAll()
	trail.Stop()

	logger.Info("guestgate engine exited properly")
}
