package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/admin"
	"github.com/sluiceio/sluice/catalog"
	"github.com/sluiceio/sluice/cfg"
	"github.com/sluiceio/sluice/relay"
	_ "github.com/sluiceio/sluice/relay/engine"
	_ "github.com/sluiceio/sluice/relay/sink"
	"github.com/sluiceio/sluice/state"
	"github.com/sluiceio/sluice/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("server_id", cfg.Config.Source.ServerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - Change Data Capture Relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Phase 1: Build the capture catalog
	log.Info().Msg("Building capture catalog")
	cat, err := catalog.FromConfig(cfg.Config.Source.Database, cfg.Config.Streams)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build capture catalog")
		return
	}

	offsetPath := cfg.OffsetFilePath()
	historyPath := cfg.HistoryFilePath()
	history := state.NewSchemaHistory(historyPath, cfg.Config.Source.Database, cfg.Config.State.CompressHistory)

	// Phase 2: Create the capture engine
	log.Info().Str("type", cfg.Config.Engine.Type).Msg("Creating capture engine")
	props := relay.BuildProperties(cfg.Config, cat, offsetPath, historyPath)
	engine, err := relay.NewEngine(cfg.Config.Engine.Type, props)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create capture engine")
		return
	}

	// Phase 3: Start the publisher
	log.Info().Msg("Starting change event publisher")
	queue, err := relay.NewQueue(cfg.Config.Engine.QueueCapacity)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create handoff queue")
		return
	}

	publisher, err := relay.NewPublisher(engine, relay.PublisherConfig{
		EngineWait: time.Duration(cfg.Config.Engine.EngineWaitSeconds) * time.Second,
		RunnerWait: time.Duration(cfg.Config.Engine.WorkerWaitSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create publisher")
		return
	}
	if err := publisher.Start(queue); err != nil {
		log.Fatal().Err(err).Msg("Failed to start publisher")
		return
	}

	// Phase 4: Start the sink dispatcher
	log.Info().Int("sinks", len(cfg.Config.Sinks)).Msg("Starting sink dispatcher")
	if len(cfg.Config.Sinks) == 0 {
		log.Warn().Msg("No sinks configured - captured events will be dropped")
	}

	iterator := relay.NewIterator(queue, publisher)
	dispatcher, err := relay.NewDispatcher(iterator, cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink dispatcher")
		return
	}
	dispatcher.Start()

	// Phase 5: Start metrics collection
	collector := telemetry.NewMetricsCollector(queue, 5*time.Second)
	collector.Start()

	// Phase 6: Start the ops HTTP server
	handlers := admin.NewHandlers(admin.Components{
		Publisher:  publisher,
		Queue:      queue,
		Dispatcher: dispatcher,
		Catalog:    cat,
		History:    history,
		OffsetPath: offsetPath,
	})
	opsServer := admin.NewServer(cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port, handlers)
	if err := opsServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ops HTTP server")
		return
	}

	log.Info().
		Str("database", cfg.Config.Source.Database).
		Str("engine", cfg.Config.Engine.Type).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Relay is operational")

	// Run until signaled
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Close the publisher first, while the dispatcher is still draining:
	// an engine blocked on a full queue can only wind down while the
	// consumer keeps consuming. Close also surfaces the run's terminal
	// error, which decides the exit code.
	closeErr := publisher.Close()

	dispatcher.Stop()
	collector.Stop()
	if err := opsServer.Stop(); err != nil {
		log.Warn().Err(err).Msg("Ops HTTP server did not stop cleanly")
	}

	if closeErr != nil {
		log.Error().Err(closeErr).Msg("Relay stopped with engine error")
		os.Exit(1)
	}
	log.Info().Msg("Relay stopped")
}
