// Package main runs the background worker: submission analysis, S3 exports and form expiry.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/multiforms/backend/config"
	"github.com/multiforms/backend/internal/analytics"
	"github.com/multiforms/backend/internal/expiry"
	"github.com/multiforms/backend/internal/export"
	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/internal/realtime"
	"github.com/multiforms/backend/internal/submissions"
	"github.com/multiforms/backend/internal/worker"
	"github.com/multiforms/backend/pkg/database"
	"github.com/multiforms/backend/pkg/queue"
	"github.com/multiforms/backend/pkg/redis"
	"github.com/multiforms/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ExportsBucket:        cfg.AWS.ExportsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	formRepo := forms.NewRepository(pool)
	questionRepo := questions.NewRepository(pool)
	submissionRepo := submissions.NewRepository(pool, formRepo)
	statsCache := analytics.NewCache(rdb.Client, cfg.Forms.StatsCacheTTL, logger)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	runner := worker.NewRunner(jobQueue, logger).
		Handle(queue.JobTypeAnalysis, worker.NewAnalysisProcessor(submissionRepo, questionRepo, logger)).
		Handle(queue.JobTypeExport, worker.NewExportProcessor(formRepo, submissionRepo, s3Client, export.NewStatusStore(rdb.Client), logger))

	// Expiry: delayed close tasks from the API plus a periodic sweep.
	onClose := func(ctx context.Context, formID uuid.UUID) {
		if err := statsCache.Invalidate(ctx, formID); err != nil {
			logger.Warn("stats invalidate", zap.String("form_id", formID.String()), zap.Error(err))
		}
		redisPubSub.FormClosed(ctx, formID)
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	mux := asynq.NewServeMux()
	expiry.NewHandlers(formRepo, onClose, logger).Register(mux)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Logger:      logger.Sugar(),
	})
	sched := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   logger.Sugar(),
		Location: cfg.Forms.Location(),
	})
	if _, err := sched.Register(expiry.SweepSpec, expiry.NewSweepTask()); err != nil {
		logger.Fatal("register sweep", zap.Error(err))
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal("task server", zap.Error(err))
	}
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	logger.Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Shutdown()
		srv.Shutdown()
		return nil
	})
	_ = g.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
