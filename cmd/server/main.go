package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/logger"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/scheduler"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/storage"
	"github.com/maheshrc27/postflow/pkg/utils"
)

type stores struct {
	posts    repository.PostRepository
	tokens   repository.TokenRepository
	attempts repository.AttemptRepository
	db       *sql.DB
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.SetupDefault(os.Stdout, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if st.db != nil {
		defer closeDB(st.db)
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to configure object store: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	// platform clients
	httpClient := &http.Client{Timeout: cfg.PlatformTimeout}
	registry := platform.NewRegistry()
	registry.Register(platform.NewInstagramPublisher(cfg.Instagram, httpClient), platform.NewInstagramRefresher(cfg.Instagram, httpClient))
	registry.Register(platform.NewTiktokPublisher(cfg.Tiktok, httpClient), platform.NewTiktokRefresher(cfg.Tiktok, httpClient))
	registry.Register(platform.NewYoutubePublisher(cfg.Google, store, httpClient), platform.NewGoogleRefresher(cfg.Google, httpClient))
	sessions := platform.NewSessionManager(st.tokens, registry)

	var (
		lock        scheduler.RunLock = &scheduler.LocalLock{}
		asynqClient *asynq.Client
		redisConn   asynq.RedisClientOpt
	)
	if cfg.RedisURI != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
		defer rdb.Close()
		lock = scheduler.NewRedisLock(rdb, "postflow:scheduler:tick", cfg.Scheduler.Interval*2)

		redisConn = asynq.RedisClientOpt{Addr: cfg.RedisURI}
		asynqClient = asynq.NewClient(redisConn)
		defer asynqClient.Close()
	}

	dispatcher := scheduler.NewDispatcher(registry, cfg.PublishTimeout, rec)
	janitor := scheduler.NewMediaJanitor(st.posts, store, rec)
	sched := scheduler.New(scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		ClaimLease:  cfg.Scheduler.ClaimLease,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		MaxAge:      cfg.Scheduler.MaxAge,
		Concurrency: cfg.Scheduler.Concurrency,
		BatchSize:   cfg.Scheduler.BatchSize,
	}, st.posts, st.attempts, sessions, dispatcher, janitor, lock, rec)

	// queue
	var enqueuer service.Enqueuer
	queueW := queue.NewQueue(asynqClient, sched)
	if asynqClient != nil {
		enqueuer = queueW
	}

	postService := service.NewPostService(service.PostServiceConfig{
		UploadTimeout: cfg.UploadTimeout,
		ClaimLease:    cfg.Scheduler.ClaimLease,
	}, st.posts, st.attempts, store, sessions, dispatcher, janitor, sched, enqueuer, rec)
	accountService := service.NewAccountService(st.tokens)

	app := api.NewApp(*cfg, api.Handlers{
		Posts:    handlers.NewPostHandler(postService),
		Accounts: handlers.NewAccountHandler(accountService),
	}, reg)

	// cron jobs
	stopScheduler, err := sched.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer stopScheduler()

	refreshTokenJob := job.NewTokenRefreshJob(st.tokens, sessions, rec)
	c := cron.New()
	if err := c.AddFunc("@every "+cfg.TokenRefreshInterval.String(), func() {
		refreshTokenJob.RefreshTokens(ctx)
	}); err != nil {
		log.Fatalf("Failed to schedule token refresh: %v", err)
	}
	c.Start()
	defer c.Stop()

	var asynqServer *asynq.Server
	if asynqClient != nil {
		asynqServer = asynq.NewServer(redisConn, asynq.Config{
			Concurrency: cfg.Scheduler.Concurrency,
		})
		go func() {
			slog.Info("starting the asynq server")
			if err := asynqServer.Run(queueW.Mux()); err != nil {
				log.Fatalf("Could not start Asynq server: %v", err)
			}
		}()
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	slog.Info("server is running", "port", cfg.Port, "storage", cfg.StorageDriver)

	gracefulShutdown(app, cancel, asynqServer)
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Warn("using in-memory storage, data is lost on restart")
		return &stores{
			posts:    repository.NewMemoryPostRepository(),
			tokens:   repository.NewMemoryTokenRepository(),
			attempts: repository.NewMemoryAttemptRepository(),
		}, nil
	}

	if cfg.AutoMigrate {
		if err := repository.RunMigrations(cfg.PostgresURI); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	db, err := repository.OpenDB(cfg.PostgresURI)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database is unreachable: %w", err)
	}

	cipher, err := utils.NewTokenCipher([]byte(cfg.SecretKey))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &stores{
		posts:    repository.NewPostRepository(db),
		tokens:   repository.NewTokenRepository(db, cipher),
		attempts: repository.NewAttemptRepository(db),
		db:       db,
	}, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.R2.BucketName == "" {
		slog.Warn("R2 is not configured, media is kept in memory")
		return storage.NewMemoryStore(cfg.MaxUploadSize), nil
	}

	client, err := storage.NewR2Client(ctx, cfg.R2)
	if err != nil {
		return nil, err
	}
	return storage.NewR2Store(client, storage.R2Options{
		Bucket:    cfg.R2.BucketName,
		PublicURL: cfg.R2.PublicURL,
		MaxSize:   cfg.MaxUploadSize,
		Timeout:   cfg.UploadTimeout,
	}), nil
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, cancel context.CancelFunc, asynqServer *asynq.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	slog.Info("shutting down server")

	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		slog.Error("failed to shut down server", "error", err)
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	cancel()
	slog.Info("server shutdown complete")
}
