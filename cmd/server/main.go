// Package main runs the forms HTTP API with the live response feed and graceful shutdown.
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

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/multiforms/backend/config"
	"github.com/multiforms/backend/internal/analytics"
	"github.com/multiforms/backend/internal/auth"
	"github.com/multiforms/backend/internal/expiry"
	"github.com/multiforms/backend/internal/export"
	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/internal/realtime"
	"github.com/multiforms/backend/internal/submissions"
	"github.com/multiforms/backend/pkg/database"
	"github.com/multiforms/backend/pkg/queue"
	"github.com/multiforms/backend/pkg/redis"
	"github.com/multiforms/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := questions.RegisterBindings(); err != nil {
		logger.Fatal("register validators", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	scheduler := expiry.NewScheduler(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	defer scheduler.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	statsCache := analytics.NewCache(rdb.Client, cfg.Forms.StatsCacheTTL, logger)

	// Forms
	questionRepo := questions.NewRepository(pool)
	formRepo := forms.NewRepository(pool)
	formHandler := forms.NewHandler(formRepo, scheduler, statsCache, cfg.Forms.ShortIDLength, logger)

	// Submissions: every accepted submission invalidates stats, feeds owners' dashboards and
	// queues an analysis job.
	submissionRepo := submissions.NewRepository(pool, formRepo)
	notifiers := submissions.Notifiers{
		statsCache,
		hub,
		submissions.NewAnalysisNotifier(jobQueue, logger),
	}
	engine := submissions.NewEngine(submissionRepo, notifiers, logger)
	submissionHandler := submissions.NewHandler(engine, formRepo, submissionRepo, logger).
		WithStats(statsCache).
		WithExports(jobQueue, export.NewStatusStore(rdb.Client), cfg.Forms.ExportInlineLimit)

	// Stats
	statsService := analytics.NewService(analytics.NewRepository(submissionRepo, questionRepo), statsCache, cfg.Forms.Location(), logger)
	statsHandler := analytics.NewHandler(statsService, formRepo, logger)

	submitLimiter := middleware.NewRateLimiter(30, 10)
	passwordLimiter := middleware.NewRateLimiter(10, 5)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Public: respondents (token optional; needed for allowlists and per-user limits)
	public := router.Group("/f/:shortId")
	public.Use(middleware.OptionalJWT(jwtService))
	{
		public.GET("", submissionHandler.GetPublic)
		public.POST("/verify-password", passwordLimiter.Middleware(), submissionHandler.VerifyPassword)
		public.POST("/submit", submitLimiter.Middleware(), submissionHandler.Submit)
		public.GET("/results", statsHandler.Results)
	}

	// Creator API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleAdmin, auth.RoleCreator))
	{
		api.POST("/forms", formHandler.Create)
		api.GET("/forms", formHandler.List)
		api.GET("/forms/:id", formHandler.Get)
		api.PATCH("/forms/:id", formHandler.UpdateSettings)
		api.DELETE("/forms/:id", formHandler.Delete)
		api.POST("/forms/:id/publish", formHandler.Publish)
		api.POST("/forms/:id/close", formHandler.Close)
		api.POST("/forms/:id/duplicate", formHandler.Duplicate)

		api.POST("/forms/:id/questions", formHandler.AddQuestion)
		api.PUT("/forms/:id/questions/order", formHandler.Reorder)
		api.PUT("/forms/:id/questions/:questionId", formHandler.UpdateQuestion)
		api.DELETE("/forms/:id/questions/:questionId", formHandler.DeleteQuestion)

		api.GET("/forms/:id/stats", statsHandler.Stats)
		api.GET("/forms/:id/submissions", submissionHandler.List)
		api.GET("/submissions/:id", submissionHandler.Get)
		api.DELETE("/submissions/:id", submissionHandler.Delete)

		api.GET("/forms/:id/export", submissionHandler.Export)
		api.POST("/forms/:id/exports", submissionHandler.CreateExport)
		api.GET("/exports/:jobId", submissionHandler.GetExport)
	}

	// WebSocket (token in query; no Authorization header required)
	upgrader := realtime.NewUpgrader(splitOrigins(cfg.Server.CORSAllowedOrigins))
	router.GET("/ws", realtime.ServeWs(hub, jwtService, formRepo, upgrader, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
