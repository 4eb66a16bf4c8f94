package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"appraisalflow/auth"
	"appraisalflow/billing"
	"appraisalflow/config"
	"appraisalflow/db"
	"appraisalflow/dispute"
	"appraisalflow/job"
	"appraisalflow/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	gateway := notify.NewLogGateway(logger.Named("gateway"))
	collaborator := billing.NewLogCollaborator(logger.Named("billing"))

	jobService := job.NewService(job.ServiceConfig{
		Pool:        pool,
		Store:       job.NewRepository(pool),
		Gateway:     gateway,
		Payouts:     collaborator,
		Amounts:     collaborator,
		Logger:      logger.Named("job"),
		Windows:     slaWindows(cfg),
		BulkWorkers: cfg.BulkWorkers,
	})

	disputeRepo := dispute.NewRepository(pool)
	disputeService := dispute.NewService(dispute.ServiceConfig{
		Pool:    pool,
		Store:   disputeRepo,
		Gateway: gateway,
		Refunds: collaborator,
		Amounts: collaborator,
		Logger:  logger.Named("dispute"),
	})

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	relay := notify.NewRelay(notify.RelayConfig{
		Pool:        pool,
		Gateway:     gateway,
		Logger:      logger.Named("relay"),
		MaxAttempts: cfg.RelayMaxAttempts,
	})
	go relay.Run(ctx, cfg.RelayInterval)
	go jobService.RunSLASweep(ctx, cfg.SweepInterval)

	server := &Server{
		authService:    authService,
		jobService:     jobService,
		jobHistory:     job.NewRepository(pool),
		disputeService: disputeService,
		disputeReader:  disputeRepo,
		log:            logger.Named("http"),
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.routes(),
	}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func slaWindows(cfg *config.Config) job.SLAWindows {
	windows := job.DefaultWindows()
	if cfg.SLARushHours > 0 {
		windows[job.PresetRush] = time.Duration(cfg.SLARushHours) * time.Hour
	}
	if cfg.SLAStandardHours > 0 {
		windows[job.PresetStandard] = time.Duration(cfg.SLAStandardHours) * time.Hour
	}
	if cfg.SLAExtendedHours > 0 {
		windows[job.PresetExtended] = time.Duration(cfg.SLAExtendedHours) * time.Hour
	}
	return windows
}
