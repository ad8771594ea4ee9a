package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/adapters/in/httpapi"
	"github.com/EthanQC/pulse/services/realtime_service/internal/adapters/in/ws"
	"github.com/EthanQC/pulse/services/realtime_service/internal/adapters/out/mq"
	mysqlRepo "github.com/EthanQC/pulse/services/realtime_service/internal/adapters/out/mysql"
	redisRepo "github.com/EthanQC/pulse/services/realtime_service/internal/adapters/out/redis"
	"github.com/EthanQC/pulse/services/realtime_service/internal/application"
	"github.com/EthanQC/pulse/services/realtime_service/internal/config"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	flush := zlog.MustInitGlobal(cfg.Log)
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	zlog.WatchSignals(ctx)

	logger := zap.L()
	nodeID := cfg.NodeID()
	logger.Info("realtime_service starting", zap.String("env", cfg.Env), zap.String("node_id", nodeID))

	// 指标
	promReg := prometheus.DefaultRegisterer
	if cfg.Log.EnableMetric {
		zlog.RegisterMetrics(promReg)
	}

	// 核心：注册表、连接表、路由
	registry := presence.NewRegistry()
	table := ws.NewConnectionTable()
	metrics := application.NewMetrics(promReg, registry)
	router := application.NewRouter(registry, table, metrics)

	var opts []application.SessionOption

	// 在线状态镜像（可选）
	var (
		presenceRepo out.PresenceRepository
		mirror       *application.PresenceMirror
		stopMirror   = func() {}
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := initRedis(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to init redis", zap.Error(err))
		}
		defer redisClient.Close()

		presenceRepo = redisRepo.NewPresenceRepositoryRedis(redisClient, cfg.Presence.TTL, cfg.Presence.LastSeenTTL)
		mirror = application.NewPresenceMirror(presenceRepo, nodeID, cfg.Presence.MirrorBuffer, metrics,
			application.WithRefreshInterval(cfg.Heartbeat.Interval))
		mirrorCtx, cancelMirror := context.WithCancel(context.Background())
		mirrorDone := make(chan struct{})
		go func() {
			defer close(mirrorDone)
			mirror.Run(mirrorCtx)
		}()
		stopMirror = func() {
			cancelMirror()
			<-mirrorDone
		}
		opts = append(opts, application.WithPresenceMirror(mirror))
	} else {
		logger.Info("redis disabled, presence stays process-local")
	}

	// 按会话解析接收方（可选）
	if cfg.MySQL.DSN != "" {
		db, err := initDB(cfg.MySQL)
		if err != nil {
			logger.Fatal("Failed to init database", zap.Error(err))
		}
		opts = append(opts, application.WithDirectory(mysqlRepo.NewConversationDirectoryMySQL(db)))
	}

	sessions := application.NewSessionService(registry, router, table, opts...)

	monitor := application.NewLivenessMonitor(registry, sessions, table, application.LivenessConfig{
		Interval:        cfg.Heartbeat.Interval,
		GraceMultiplier: cfg.Heartbeat.GraceMultiplier,
		SweepInterval:   cfg.Heartbeat.SweepInterval,
	}, metrics)
	go monitor.Run(ctx)

	query := application.NewQueryService(registry, router, monitor, presenceRepo, nodeID)

	// WebSocket 接入
	wsOpts := ws.DefaultOptions()
	wsOpts.WriteWait = cfg.WS.WriteWait
	wsOpts.PingPeriod = cfg.Heartbeat.Interval
	wsOpts.ReadTimeout = cfg.Heartbeat.Grace()
	wsOpts.ReadLimit = cfg.WS.ReadLimit
	wsOpts.SendBuffer = cfg.WS.SendBuffer
	wsOpts.ReadBufferSize = cfg.WS.ReadBufferSize
	wsOpts.WriteBufferSize = cfg.WS.WriteBufferSize
	wsOpts.AllowedOrigins = cfg.WS.AllowedOrigins
	wsServer := ws.NewServer(table, sessions, wsOpts)

	limiter := httpapi.NewUpgradeLimiter(httpapi.RateLimitConfig{
		GlobalQPS: cfg.WS.UpgradeQPS,
		PerIPQPS:  cfg.WS.UpgradePerIPQPS,
		Burst:     cfg.WS.UpgradeBurst,
	})
	go limiter.Run(ctx, 10*time.Minute, time.Hour)

	// Kafka 消费者（可选）
	var consumer out.MessageConsumer
	if len(cfg.Kafka.Brokers) > 0 {
		kc, err := mq.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, mq.Topics{
			MessageCreated:      cfg.Kafka.MessageTopic,
			NotificationCreated: cfg.Kafka.NotificationTopic,
		}, router)
		if err != nil {
			logger.Fatal("Failed to init kafka consumer", zap.Error(err))
		}
		if err := kc.Start(ctx); err != nil {
			logger.Fatal("Failed to start kafka consumer", zap.Error(err))
		}
		consumer = kc
	}

	// HTTP
	handler := httpapi.NewRouter(httpapi.Deps{
		Delivery:       router,
		Query:          query,
		WS:             wsServer.HandleConnection,
		UpgradeLimiter: limiter,
		Gatherer:       prometheus.DefaultGatherer,
		Client:         httpapi.NewClientSettings(cfg.Heartbeat.Interval, cfg.Heartbeat.GraceMultiplier, cfg.ClientBackoff),
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Realtime server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer shutdownCancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("Kafka consumer stop error", zap.Error(err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	// 升级后的连接不归 http.Server 管，单独关闭；清理回调会解绑会话并产生离线事件
	table.CloseAll()
	waitConnectionsClosed(shutdownCtx, table)
	cancel()

	stopMirror()
	if mirror != nil {
		n := mirror.Drain(shutdownCtx)
		logger.Info("presence mirror drained", zap.Int("ops", n))
	}

	logger.Info("Server exited properly", zap.Int64("reaped", monitor.Reaped()))
}

func waitConnectionsClosed(ctx context.Context, table *ws.ConnectionTable) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for table.Len() > 0 {
		select {
		case <-ctx.Done():
			zap.L().Warn("connections still open at shutdown", zap.Int("count", table.Len()))
			return
		case <-ticker.C:
		}
	}
}

func initDB(c config.MySQLConfig) (*gorm.DB, error) {
	database, err := gorm.Open(mysql.Open(c.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return database, nil
}

func initRedis(c config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
