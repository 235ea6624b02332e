package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGRenderBot/internal/admin"
	"github.com/digkill/TGRenderBot/internal/backend"
	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/database"
	"github.com/digkill/TGRenderBot/internal/gate"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/queue"
	"github.com/digkill/TGRenderBot/internal/repository"
	"github.com/digkill/TGRenderBot/internal/service"
	"github.com/digkill/TGRenderBot/internal/storage"
	"github.com/digkill/TGRenderBot/internal/telegram"
	"github.com/digkill/TGRenderBot/internal/telemetry"
	"github.com/digkill/TGRenderBot/internal/worker"
	"github.com/digkill/TGRenderBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "renderbot",
			ServiceVersion: "1.0.0",
			OTLPEndpoint:   cfg.OTLPEndpoint,
		})
		if err != nil {
			logr.Warn("tracing disabled", "err", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flushCtx)
			}()
		}
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	packageRepo := repository.NewPackageRepository(db)

	ledgerService := ledger.New(db, logr)
	userService := service.NewUserService(userRepo, ledgerService, cfg.WelcomeCredits, logr)
	packageService := service.NewPackageService(packageRepo)
	promoService := service.NewPromoService(promoRepo, ledgerService, logr)
	paymentService := service.NewPaymentService(cfg, paymentRepo, packageService, ledgerService, logr)

	taskQueue := queue.New(taskRepo, ledgerService, logr, cfg.MaxQueueSize)
	if err := taskQueue.Load(ctx); err != nil {
		log.Fatalf("load queue: %v", err)
	}
	reconciled, err := taskQueue.ReconcileRunning(ctx)
	if err != nil {
		log.Fatalf("reconcile running tasks: %v", err)
	}
	if reconciled > 0 {
		logr.Warn("refunded orphaned tasks from previous run", "count", reconciled)
	}

	gpuGate := gate.New(cfg.MaxConcurrentJobs)
	backendClient := backend.NewClient(cfg, logr)

	var uploader *storage.Uploader
	if cfg.S3Bucket != "" {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	}

	var imageStore telegram.ImageStorage
	var archiver worker.Archiver
	if uploader != nil {
		imageStore = uploader
		archiver = uploader
	}

	bot := telegram.NewBot(cfg, botAPI, logr, userService, taskQueue, promoService, paymentService, packageService, imageStore)
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(taskQueue, gpuGate, backendClient, ledgerService, bot, archiver, cfg, logr)
		go w.Run(ctx)
	}

	go paymentService.RunReconciler(ctx)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr,
		userService, packageService, promoService, paymentService, taskQueue, gpuGate, botAPI)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
