package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/config"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/events"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/model"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/negotiation"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/refdata"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/repository"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/risk"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/internal/engine/token"
	"github.com/rnrlcrm/cotton-erp-rnrl-sub004/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("ENGINE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	var repo model.Repository
	if cfg.Database.DSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
		if err != nil {
			zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		gormRepo := repository.NewGormRepository(db, zapLogger)
		if err := gormRepo.AutoMigrate(); err != nil {
			zapLogger.Fatal("Failed to migrate engine schema", zap.Error(err))
		}
		repo = gormRepo
		zapLogger.Info("engine storage: postgres")
	} else {
		repo = repository.NewMemoryRepository()
		zapLogger.Warn("engine storage: in-memory, state is lost on restart")
	}

	// Reference data, optionally fronted by redis.
	var ref refdata.Gateway = refdata.NewStaticGateway()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		ref = refdata.NewCachedGateway(ref, client, cfg.Redis.TTL, zapLogger)
		zapLogger.Info("reference data cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Events: in-memory bus always, kafka sink when enabled.
	bus := events.NewBus(zapLogger)
	var publisher events.Publisher = bus
	var kafkaPub *events.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, zapLogger)
		publisher = events.Fanout{bus, kafkaPub}
		zapLogger.Info("kafka event sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	directory := risk.NewStaticDirectory()
	svc := engine.NewService(cfg, repo, directory, nil, ref, publisher, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokenSweeper := token.NewSweeper(svc.Tokens(), cfg.Token.SweepInterval, cfg.Token.SweepBatch,
		func(ctx context.Context, t *model.MatchToken) {
			zapLogger.Info("match token expired", zap.String("code", t.Code))
		}, zapLogger)
	go tokenSweeper.Run(ctx)

	negSweeper := negotiation.NewSweeper(svc.Negotiations(), cfg.Negotiation.SweepInterval,
		cfg.Negotiation.SweepBatch, zapLogger)
	go negSweeper.Run(ctx)

	metricsAddr := os.Getenv("ENGINE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9108"
	}
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("metrics listener", zap.Error(err))
		}
	}()

	zapLogger.Info("matching engine started",
		zap.String("metrics_addr", metricsAddr),
		zap.Int("negotiation_max_rounds", cfg.Negotiation.MaxRounds))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zapLogger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("metrics shutdown", zap.Error(err))
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			zapLogger.Error("kafka close", zap.Error(err))
		}
	}
}
