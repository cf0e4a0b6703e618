// Package main runs the funnels HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/condorsoft/funnels/config"
	"github.com/condorsoft/funnels/internal/analytics"
	"github.com/condorsoft/funnels/internal/auth"
	"github.com/condorsoft/funnels/internal/emaillogs"
	"github.com/condorsoft/funnels/internal/engine"
	"github.com/condorsoft/funnels/internal/flows"
	"github.com/condorsoft/funnels/internal/issuance"
	"github.com/condorsoft/funnels/internal/mailer"
	"github.com/condorsoft/funnels/internal/middleware"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/internal/redemption"
	"github.com/condorsoft/funnels/internal/store"
	"github.com/condorsoft/funnels/internal/worker"
	"github.com/condorsoft/funnels/pkg/database"
	"github.com/condorsoft/funnels/pkg/metrics"
	"github.com/condorsoft/funnels/pkg/queue"
	"github.com/condorsoft/funnels/pkg/redis"
	"github.com/condorsoft/funnels/pkg/response"
	"github.com/condorsoft/funnels/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var (
		st       store.Store
		users    auth.Users
		logsRepo *emaillogs.Repository
		stats    *analytics.Repository
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		st = store.NewMemoryStore()
		users = auth.NewMemoryUsers()
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		st = store.NewPostgresStore(pool)
		users = auth.NewRepository(pool)
		logsRepo = emaillogs.NewRepository(pool)
		stats = analytics.NewRepository(pool)
	}

	var uploader issuance.Uploader
	if cfg.AWS.QRBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			QRBucket:        cfg.AWS.QRBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, QR codes will be inlined", zap.Error(err))
		} else {
			uploader = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	if err := auth.EnsureAdmin(ctx, users, cfg.Admin.Email, cfg.Admin.Password, logger); err != nil {
		logger.Fatal("bootstrap admin", zap.Error(err))
	}
	authHandler := auth.NewHandler(users, jwtService, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	emailMailer := mailer.NewQueueMailer(rdb.Client, jobQueue, logger)

	m := metrics.New()

	flowEngine := engine.New(st, emailMailer, logger, engine.WithRecorder(m))
	engineHandler := engine.NewHandler(flowEngine, logger)

	issuer := issuance.New(cfg.Redeem.BaseURL, uploader, logger)
	flowService := flows.NewService(st, issuer, logger)
	flowHandler := flows.NewHandler(flowService, logger)

	redemptionHandler := redemption.NewHandler(st, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(m))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "store": cfg.Store.Driver})
	})

	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.POST("/auth/login", authHandler.Login)

	// Public: end users walk flows without an account
	router.POST("/executions", engineHandler.Start)
	router.POST("/executions/:id/next", engineHandler.Next)
	router.GET("/executions/:id", engineHandler.Get)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		admin := middleware.RequireRole(models.RoleAdmin)
		editor := middleware.RequireRole(models.RoleAdmin, models.RoleOperator)
		staff := middleware.RequireRole(models.RoleAdmin, models.RoleStaff)

		api.GET("/users", admin, authHandler.List)
		api.POST("/users", admin, authHandler.CreateUser)

		api.POST("/flows", editor, flowHandler.Create)
		api.GET("/flows", editor, flowHandler.List)
		api.GET("/flows/:id", editor, flowHandler.Get)
		api.DELETE("/flows/:id", editor, flowHandler.Delete)
		api.PATCH("/flows/:id/status", editor, flowHandler.SetStatus)
		api.POST("/flows/:id/steps", editor, flowHandler.AddStep)
		api.PUT("/flows/:id/steps/order", editor, flowHandler.Reorder)
		api.POST("/flows/:id/steps/:stepId/duplicate", editor, flowHandler.DuplicateStep)
		api.PUT("/flows/:id/steps/:stepId", editor, flowHandler.UpdateStep)
		api.DELETE("/flows/:id/steps/:stepId", editor, flowHandler.DeleteStep)
		api.POST("/flows/validate", editor, flowHandler.Validate)

		if stats != nil {
			api.GET("/flows/:id/analytics", editor, analytics.NewHandler(stats, logger).GetByFlow)
		}

		api.GET("/coupons/:code", staff, redemptionHandler.GetCoupon)
		api.POST("/coupons/redeem", staff, redemptionHandler.RedeemCoupon)
		api.GET("/tickets/:code", staff, redemptionHandler.GetTicket)
		api.POST("/tickets/redeem", staff, redemptionHandler.RedeemTicket)

		if logsRepo != nil {
			emailLogsHandler := emaillogs.NewHandler(logsRepo, jobQueue, logger)
			api.GET("/executions/:id/emails", editor, emailLogsHandler.ListByExecution)
			api.POST("/executions/:id/emails/:stepId/resend", editor, emailLogsHandler.Resend)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process email worker; cmd/worker runs the same loop standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if logsRepo != nil {
		processor := worker.NewEmailProcessor(logsRepo, newSender(cfg, logger), jobQueue, logger)
		processor.SetRecorder(m)
		go processor.Run(workerCtx)
		logger.Info("email worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newSender(cfg *config.Config, logger *zap.Logger) mailer.Sender {
	if cfg.Email.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, emails are logged instead of sent")
		return mailer.NewLogSender(logger)
	}
	return mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		User:        cfg.Email.SMTPUser,
		Pass:        cfg.Email.SMTPPass,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	})
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
