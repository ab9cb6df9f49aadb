package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/ai"
	"github.com/snarg/callflow/internal/api"
	"github.com/snarg/callflow/internal/config"
	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/ingest"
	"github.com/snarg/callflow/internal/metrics"
	"github.com/snarg/callflow/internal/mqttclient"
	"github.com/snarg/callflow/internal/notify"
	"github.com/snarg/callflow/internal/processor"
)

var version = "dev"

// liveStats bridges the processor and notifier gauges into the
// scrape-time collector.
type liveStats struct {
	proc     *processor.Processor
	notifier *notify.Notifier
}

func (s liveStats) ActiveWorkerCount() int { return s.proc.ActiveWorkerCount() }
func (s liveStats) SubscriberCount() int   { return s.notifier.SubscriberCount() }

func main() {
	startTime := time.Now()

	envFile := flag.String("env", "", "path to .env file (default .env)")
	addr := flag.String("addr", "", "http listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	dbURL := flag.String("db", "", "database url (overrides DATABASE_URL)")
	flag.Parse()

	// Config
	cfg, err := config.Load(config.Overrides{
		EnvFile:     *envFile,
		HTTPAddr:    *addr,
		LogLevel:    *logLevel,
		DatabaseURL: *dbURL,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("callflow starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.ApplyMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Notifier
	notifier := notify.New(log)

	// Transcription client
	client := ai.NewMockClient(ai.MockOptions{
		FailureRate: cfg.AIFailureRate,
		MinLatency:  cfg.AIMinLatency,
		MaxLatency:  cfg.AIMaxLatency,
		Log:         log,
	})

	// Processor and ingestion coordinator
	proc := processor.New(processor.Options{
		Store:      db,
		Client:     client,
		Notifier:   notifier,
		MaxRetries: cfg.MaxAIRetries,
		Log:        log,
	})
	coord := ingest.NewCoordinator(db, proc.Trigger, log)

	prometheus.MustRegister(metrics.NewCollector(db.Pool, liveStats{proc: proc, notifier: notifier}))

	// MQTT intake (optional)
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Ingester:  coord,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	var conn api.ConnChecker
	if mqtt != nil {
		conn = mqtt
	}
	srv := api.NewServer(cfg, db, coord, notifier, conn, client, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop intake first, then drain workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if mqtt != nil {
		mqtt.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	proc.Close(shutdownCtx)

	log.Info().Msg("callflow stopped")
}
