package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SyncMode selects how a stream participates in capture
type SyncMode string

const (
	SyncModeFullRefresh SyncMode = "full_refresh" // Re-read the whole table every run
	SyncModeIncremental SyncMode = "incremental"  // Follow the change stream
)

// SourceConfiguration describes the captured database
type SourceConfiguration struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Database   string `toml:"database"`
	ServerName string `toml:"server_name"` // Logical namespace for destinations (defaults to database)
	ServerID   uint64 `toml:"server_id"`   // Replication client ID (0=auto from machine ID)
}

// EngineConfiguration controls the capture engine and the handoff queue
type EngineConfiguration struct {
	Type              string `toml:"type"`                // Registered engine type ("mysql-snapshot", ...)
	SnapshotMode      string `toml:"snapshot_mode"`       // "initial" or "never"
	QueueCapacity     int    `toml:"queue_capacity"`      // Handoff queue bound
	PollIntervalMS    int    `toml:"poll_interval_ms"`    // Consumer poll cadence while queue is empty
	EngineWaitSeconds int    `toml:"engine_wait_seconds"` // Close: bound on waiting for engine completion
	WorkerWaitSeconds int    `toml:"worker_wait_seconds"` // Close: bound on waiting for the runner to exit
	SnapshotBatchSize int    `toml:"snapshot_batch_size"` // Rows per snapshot SELECT batch

	// Properties are passed to the engine verbatim, after the derived
	// ones. Engine-specific keys live here
	Properties map[string]string `toml:"properties"`
}

// StateConfiguration controls the engine's on-disk state
type StateConfiguration struct {
	OffsetFile      string `toml:"offset_file"`       // Defaults to <data_dir>/offsets.dat
	HistoryFile     string `toml:"history_file"`      // Defaults to <data_dir>/schema-history.jsonl
	FlushIntervalMS int    `toml:"flush_interval_ms"` // Offset flush cadence
	CompressHistory bool   `toml:"compress_history"`  // gzip the schema history file
}

// StreamConfiguration selects one table for capture
type StreamConfiguration struct {
	Table      string   `toml:"table"`
	Mode       SyncMode `toml:"mode"`
	PrimaryKey []string `toml:"primary_key"`
}

// SinkConfiguration describes one downstream destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "kafka", "nats" or "mock"
	TopicPrefix     string   `toml:"topic_prefix"`
	Include         []string `toml:"include"` // Destination glob patterns (empty=all)
	Exclude         []string `toml:"exclude"`
	Brokers         []string `toml:"brokers"`  // Kafka bootstrap brokers
	NatsURL         string   `toml:"nats_url"` // NATS server URL
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the ops HTTP endpoints
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	AuthToken string `toml:"auth_token"` // Empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Engine     EngineConfiguration     `toml:"engine"`
	State      StateConfiguration      `toml:"state"`
	Streams    []StreamConfiguration   `toml:"streams"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	DatabaseFlag   = flag.String("database", "", "Source database name (overrides config)")
	ServerIDFlag   = flag.Uint64("server-id", 0, "Replication server ID (overrides config, 0=auto)")
	MetricsPort    = flag.Int("metrics-port", 0, "Prometheus port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	DataDir: "./sluice-data",

	Source: SourceConfiguration{
		Host:     "127.0.0.1",
		Port:     3306,
		Username: "root",
		Database: "",
		ServerID: 0, // Auto-generate
	},

	Engine: EngineConfiguration{
		Type:              "mysql-snapshot",
		SnapshotMode:      "initial",
		QueueCapacity:     10000,
		PollIntervalMS:    100,
		EngineWaitSeconds: 300, // 5 minutes
		WorkerWaitSeconds: 300, // 5 minutes
		SnapshotBatchSize: 1000,
	},

	State: StateConfiguration{
		OffsetFile:      "", // Derived from DataDir when empty
		HistoryFile:     "",
		FlushIntervalMS: 1000,
		CompressHistory: false,
	},

	Streams: []StreamConfiguration{},
	Sinks:   []SinkConfiguration{},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *DatabaseFlag != "" {
		Config.Source.Database = *DatabaseFlag
	}
	if *ServerIDFlag != 0 {
		Config.Source.ServerID = *ServerIDFlag
	}
	if *MetricsPort != 0 {
		Config.Prometheus.Port = *MetricsPort
	}

	// Auto-generate server ID if not set
	if Config.Source.ServerID == 0 {
		var err error
		Config.Source.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint64("server_id", Config.Source.ServerID).Msg("Auto-generated server ID")
	}

	// Destinations are named after the server; fall back to the database name
	if Config.Source.ServerName == "" {
		Config.Source.ServerName = Config.Source.Database
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID creates a stable server ID based on machine ID
func generateServerID() (uint64, error) {
	id, err := machineid.ProtectedID("sluice")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Source.Database == "" {
		return fmt.Errorf("source database is required")
	}

	if Config.Source.Port < 1 || Config.Source.Port > 65535 {
		return fmt.Errorf("invalid source port: %d", Config.Source.Port)
	}

	if Config.Engine.Type == "" {
		return fmt.Errorf("engine type is required")
	}

	if Config.Engine.SnapshotMode != "initial" && Config.Engine.SnapshotMode != "never" {
		return fmt.Errorf("invalid snapshot mode: %s", Config.Engine.SnapshotMode)
	}

	if Config.Engine.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1")
	}

	if Config.Engine.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}

	if Config.Engine.EngineWaitSeconds < 1 {
		return fmt.Errorf("engine wait must be >= 1 second")
	}

	if Config.Engine.WorkerWaitSeconds < 1 {
		return fmt.Errorf("worker wait must be >= 1 second")
	}

	if Config.Engine.SnapshotBatchSize < 1 {
		return fmt.Errorf("snapshot batch size must be >= 1")
	}

	if Config.State.FlushIntervalMS < 1 {
		return fmt.Errorf("offset flush interval must be >= 1ms")
	}

	for i, stream := range Config.Streams {
		if stream.Table == "" {
			return fmt.Errorf("stream %d: table name is required", i)
		}
		if stream.Mode != SyncModeFullRefresh && stream.Mode != SyncModeIncremental {
			return fmt.Errorf("stream %s: invalid sync mode: %s", stream.Table, stream.Mode)
		}
	}

	seen := map[string]bool{}
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		seen[sink.Name] = true
		if sink.Type == "" {
			return fmt.Errorf("sink %s: type is required", sink.Name)
		}
		if sink.RetryMultiplier != 0 && sink.RetryMultiplier < 1 {
			return fmt.Errorf("sink %s: retry multiplier must be >= 1", sink.Name)
		}
		if sink.MaxRetries < 0 {
			return fmt.Errorf("sink %s: max retries must be >= 0", sink.Name)
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// OffsetFilePath returns the offset store location, defaulting under DataDir
func OffsetFilePath() string {
	if Config.State.OffsetFile != "" {
		return Config.State.OffsetFile
	}
	return path.Join(Config.DataDir, "offsets.dat")
}

// HistoryFilePath returns the schema history location, defaulting under DataDir
func HistoryFilePath() string {
	if Config.State.HistoryFile != "" {
		return Config.State.HistoryFile
	}
	return path.Join(Config.DataDir, "schema-history.jsonl")
}
