package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/eventsync"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadSyncSettings()

	// SIGTERM drains in-flight requests and uploads before exit.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Bookkeeping lives next to the local store unless KV_BACKEND=redis.
	var (
		store  syncstate.Store = syncstate.NewGormStore(db)
		locker eventsync.Locker
	)
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(sigCtx)
		if rdb := config.GetRedisDB(); rdb != nil {
			store = syncstate.NewRedisStore(rdb, settings.AppName+":sync:")
			locker = eventsync.NewRedisLocker(config.GetRedisLock(), settings.AppName+":lock:", settings.LockTTL)
		}
	}

	remote, err := cloudlog.NewFromEnv(settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "remote store"}).Fatal(err.Error())
	}

	var notifier eventsync.Notifier
	if settings.NudgeTopic != "" {
		if n, err := newNudgeNotifier(sigCtx, settings.NudgeTopic); err != nil {
			logger.WithFields(logrus.Fields{
				"field": "pubsub",
				"topic": settings.NudgeTopic,
			}).Warn("nudges disabled: " + err.Error())
		} else {
			notifier = n
			defer n.Stop()
		}
	}

	engine := eventsync.New(eventsync.Options{
		DB:       db,
		Remote:   remote,
		State:    syncstate.New(store),
		Settings: settings,
		Locker:   locker,
		Notifier: notifier,
		Metrics:  eventsync.NewMetrics(prometheus.DefaultRegisterer),
		Logger:   logger,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	r.Use(cors.New(corsConfig))

	// Optional rate limiting, redis backed.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if config.EnvBool("RATE_LIMIT_ENABLED", false) {
		if rdb := config.GetRedisDB(); rdb != nil {
			limit := int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
			window := time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
			r.Use(NewRateLimiter(rdb, limit, window).RateLimitMiddleware)
		} else {
			logger.WithFields(logrus.Fields{"field": "rate limit"}).Warn("RATE_LIMIT_ENABLED needs KV_BACKEND=redis; rate limiting disabled")
		}
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	eventsync.RegisterRoutes(r, engine)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go eventsync.NewOutboxRetrier(engine).Run(workerCtx)

	if config.EnvBool("SYNC_ON_START", true) {
		go func() {
			ctx := utils.SetSyncTriggerInContext(workerCtx, eventsync.TriggerResume)
			res := engine.SyncDown(ctx, nil)
			logger.WithFields(logrus.Fields{
				"field":     "startup sync",
				"processed": res.ProcessedCount,
				"failures":  res.Failures,
				"skipped":   res.Skipped,
			}).Info("startup sync finished")
		}()
	}

	logger.WithFields(logrus.Fields{
		"port":         port,
		"remote_store": cloudlog.GetRemoteStoreProvider(),
		"kv_backend":   kvBackendName(),
	}).Info("sync service started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	engine.WaitUploads()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func newNudgeNotifier(ctx context.Context, topicName string) (*eventsync.PubSubNotifier, error) {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	return eventsync.NewPubSubNotifier(topic), nil
}

func kvBackendName() string {
	if config.RedisEnabled() && config.GetRedisDB() != nil {
		return "redis"
	}
	return "database"
}
