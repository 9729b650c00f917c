package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/pool"
	"codejudge/internal/judge/progress"
	"codejudge/internal/judge/queue"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database.MySQLConfig)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	if appCfg.Database.AutoMigrate {
		if err := repository.Migrate(rootCtx, mysqlDB); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}

	var publisher repository.StatusEventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = repository.NewMQStatusEventPublisher(producer, appCfg.Kafka.FinalTopic)
	} else {
		logger.Warn(rootCtx, "kafka brokers not configured, final status events disabled")
	}

	registry, err := buildRegistry(rootCtx, appCfg.Runners)
	if err != nil {
		return err
	}

	jobQueue := queue.NewRedisQueue(redisCache, appCfg.Queue)
	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	hub := progress.NewHub()
	fanout := progress.NewRedisFanout(redisCache, appCfg.Progress.ChannelPrefix)
	relay := progress.NewRelay(redisCache, appCfg.Progress.ChannelPrefix, hub)
	broadcaster := progress.Multi{statusRepo, fanout}

	judgeSvc, err := service.NewService(service.Config{
		Submissions:  repository.NewSubmissionRepository(mysqlDB),
		Problems:     repository.NewProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Problem.CacheTTL, appCfg.Problem.EmptyCacheTTL),
		Datasets:     repository.NewDatasetRepository(objStorage, appCfg.Dataset.Bucket, appCfg.Dataset.Prefix),
		Runners:      registry,
		Broadcaster:  broadcaster,
		Publisher:    publisher,
		Queue:        jobQueue,
		StoreTimeout: appCfg.Status.StoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("init judge service: %w", err)
	}

	workers, err := pool.New(appCfg.Pool, jobQueue, judgeSvc, broadcaster)
	if err != nil {
		return fmt.Errorf("init worker pool: %w", err)
	}

	socket := progress.NewSocketHandler(hub, appCfg.Progress.SocketConfig, judgeSvc.CanView)
	judgeController := controller.NewJudgeController(judgeSvc, statusRepo, jobQueue)
	health := healthHandler(map[string]pinger{"mysql": mysqlDB, "redis": redisCache})
	httpServer := buildHTTPServer(appCfg.Server, judgeController, socket, health)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	group, ctx := errgroup.WithContext(rootCtx)
	group.Go(func() error {
		return relay.Run(ctx)
	})
	group.Go(func() error {
		return workers.Run(ctx)
	})
	group.Go(func() error {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController, socket *progress.SocketHandler, health gin.HandlerFunc) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", health)
	judgeController.Register(router.Group("/api/v1/judge"))
	router.GET("/ws/submissions", socket.Serve)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(deps map[string]pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s unreachable", name))
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	}
}
