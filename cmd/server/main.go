package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/auth"
	"github.com/ksred/klear-settlement/internal/checks"
	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/database"
	"github.com/ksred/klear-settlement/internal/intake"
	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/server"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/internal/trustline"
	"github.com/ksred/klear-settlement/pkg/middleware"
)

// setupLogging configures pretty logging outside production and the global
// level from DEBUG
func setupLogging(cfg *config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the settlement service with graceful shutdown support.
// Requests arrive over RabbitMQ, Kafka and the internal HTTP API.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath, cfg.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	records := settlement.NewDatabase(db)

	gateway, closeGateway := newGateway(cfg)
	defer closeGateway()

	// Settlement flow
	metrics := settlement.NewMetrics(prometheus.DefaultRegisterer)
	ensurer := trustline.NewEnsurer(gateway, trustline.DefaultPolicy())
	sagaCfg := settlement.DefaultConfig()
	sagaCfg.SettleDelay = cfg.SettleDelay
	saga := settlement.NewSaga(gateway, ensurer, checks.NewLocator(gateway), records, metrics, sagaCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile records left behind by a previous process
	processor := settlement.NewProcessor(records, saga, metrics, 0, 0)
	go processor.Start(ctx)
	go middleware.CleanupVisitors(ctx)

	dispatcher := intake.NewDispatcher()
	handler := intake.NewHandler(saga, ensurer, gateway)

	var amqpConsumer *intake.AMQPConsumer
	if cfg.AMQPURL != "" {
		amqpConsumer = intake.NewAMQPConsumer(intake.AMQPConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue}, handler, dispatcher)
		if err := amqpConsumer.Start(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to start AMQP consumer")
		}
	}

	var kafkaConsumer *intake.KafkaConsumer
	if cfg.KafkaTopic != "" {
		kafkaConsumer = intake.NewKafkaConsumer(intake.KafkaConfig{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaTopic,
			GroupID:    cfg.KafkaGroup,
			ReplyTopic: cfg.KafkaReplyTopic,
		}, handler, dispatcher)
		go func() {
			if err := kafkaConsumer.Run(ctx); err != nil {
				zlog.Error().Err(err).Msg("Kafka consumer stopped")
			}
		}()
	}

	// Operator API
	authService := auth.NewService(cfg.JWTSecret)
	if cfg.OperatorAPIKey != "" {
		authService.RegisterOperator(cfg.OperatorAPIKey, cfg.OperatorAPISecret)
	} else {
		zlog.Warn().Msg("OPERATOR_API_KEY not set, the internal API will reject every request")
	}

	router := gin.Default()
	server.SetupRoutes(router, server.Handlers{
		Auth:        auth.NewGinHandlers(authService),
		Tokens:      authService,
		Settlements: settlement.NewGinHandlers(settlement.NewService(records)),
		Intake:      intake.NewGinHandlers(handler, dispatcher, records),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("port", cfg.Port).Str("ledger_mode", cfg.LedgerMode).Msg("Settlement service started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop taking new messages, then let running settlements reach a
	// terminal state before the transports go away
	cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("In-flight settlements were interrupted")
	}
	if amqpConsumer != nil {
		if err := amqpConsumer.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close AMQP consumer")
		}
	}
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close Kafka consumer")
		}
	}

	zlog.Info().Msg("Server exiting")
}

func newGateway(cfg *config.Config) (ledger.Gateway, func()) {
	if cfg.LedgerMode == config.LedgerModeSimulated {
		zlog.Warn().Msg("Using the simulated ledger, nothing is submitted to a network")
		return ledger.NewSimulatedLedger(ledger.SimulatedConfig{
			MinLatency: 50 * time.Millisecond,
			MaxLatency: 300 * time.Millisecond,
		}), func() {}
	}

	clientCfg := ledger.DefaultConfig()
	clientCfg.URL = cfg.LedgerURL
	clientCfg.FeeMultMax = cfg.LedgerFeeMultMax
	client := ledger.NewClient(clientCfg)

	connectCtx, cancel := context.WithTimeout(context.Background(), clientCfg.DialTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		zlog.Warn().Err(err).Msg("Ledger node unreachable, will retry on first request")
	}

	return client, func() {
		if err := client.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close ledger client")
		}
	}
}
