package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validTestConfig() *Configuration {
	return &Configuration{
		DataDir: "./test-data",
		Source: SourceConfiguration{
			Host:     "127.0.0.1",
			Port:     3306,
			Username: "root",
			Database: "inventory",
			ServerID: 1,
		},
		Engine: EngineConfiguration{
			Type:              "mysql-snapshot",
			SnapshotMode:      "initial",
			QueueCapacity:     10000,
			PollIntervalMS:    100,
			EngineWaitSeconds: 300,
			WorkerWaitSeconds: 300,
			SnapshotBatchSize: 1000,
		},
		State: StateConfiguration{
			FlushIntervalMS: 1000,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	// Save original config
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_MissingDatabase(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Source.Database = ""

	err := Validate()
	if err == nil {
		t.Error("Expected error for missing source database")
	}
}

func TestValidate_InvalidSourcePort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []int{-1, 0, 70000}

	for _, port := range tests {
		Config = validTestConfig()
		Config.Source.Port = port

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for invalid source port %d", port)
		}
	}
}

func TestValidate_InvalidSnapshotMode(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Engine.SnapshotMode = "sometimes"

	err := Validate()
	if err == nil {
		t.Error("Expected error for invalid snapshot mode")
	}
}

func TestValidate_InvalidQueueCapacity(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Engine.QueueCapacity = 0

	err := Validate()
	if err == nil {
		t.Error("Expected error for zero queue capacity")
	}
}

func TestValidate_InvalidStreamMode(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Streams = []StreamConfiguration{
		{Table: "orders", Mode: "streaming"},
	}

	err := Validate()
	if err == nil {
		t.Error("Expected error for invalid stream sync mode")
	}
}

func TestValidate_StreamMissingTable(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Streams = []StreamConfiguration{
		{Table: "", Mode: SyncModeIncremental},
	}

	err := Validate()
	if err == nil {
		t.Error("Expected error for stream without table name")
	}
}

func TestValidate_DuplicateSinkName(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Sinks = []SinkConfiguration{
		{Name: "events", Type: "kafka"},
		{Name: "events", Type: "nats"},
	}

	err := Validate()
	if err == nil {
		t.Error("Expected error for duplicate sink names")
	}
}

func TestValidate_SinkMissingType(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Sinks = []SinkConfiguration{
		{Name: "events"},
	}

	err := Validate()
	if err == nil {
		t.Error("Expected error for sink without type")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "sluice-test-load")
	defer os.RemoveAll(tempDir)

	Config = validTestConfig()
	Config.DataDir = tempDir
	Config.Source.ServerID = 0

	// Load non-existent file should use defaults
	err := Load("non-existent-file.toml")
	if err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	// Server ID should be auto-generated
	if Config.Source.ServerID == 0 {
		t.Error("Expected server ID to be auto-generated")
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "sluice-test-data")
	defer os.RemoveAll(tempDir)

	Config = validTestConfig()
	Config.DataDir = tempDir

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// Verify directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_ServerNameDefaultsToDatabase(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "sluice-test-servername")
	defer os.RemoveAll(tempDir)

	Config = validTestConfig()
	Config.DataDir = tempDir
	Config.Source.ServerName = ""

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.Source.ServerName != "inventory" {
		t.Errorf("Expected server name to default to database, got %s", Config.Source.ServerName)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "sluice-test-override")
	defer os.RemoveAll(tempDir)

	*DataDirFlag = tempDir
	*DatabaseFlag = "warehouse"
	*ServerIDFlag = 12345
	*MetricsPort = 9999

	defer func() {
		*DataDirFlag = ""
		*DatabaseFlag = ""
		*ServerIDFlag = 0
		*MetricsPort = 0
	}()

	Config = validTestConfig()
	Config.DataDir = "./default-data"

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.Source.Database != "warehouse" {
		t.Errorf("Expected database warehouse, got %s", Config.Source.Database)
	}

	if Config.Source.ServerID != 12345 {
		t.Errorf("Expected server ID 12345, got %d", Config.Source.ServerID)
	}

	if Config.Prometheus.Port != 9999 {
		t.Errorf("Expected prometheus port 9999, got %d", Config.Prometheus.Port)
	}
}

func TestLoad_EngineProperties(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "sluice-test-props")
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(os.TempDir(), "sluice-test-props.toml")
	content := `
data_dir = "` + tempDir + `"

[source]
database = "inventory"
server_id = 7

[engine.properties]
"snapshot.fetch.size" = "25"
"mock.events" = "3"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	defer os.Remove(configPath)

	Config = validTestConfig()
	Config.Engine.Properties = nil

	err := Load(configPath)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if got := Config.Engine.Properties["snapshot.fetch.size"]; got != "25" {
		t.Errorf("Expected snapshot.fetch.size=25, got %q", got)
	}

	if got := Config.Engine.Properties["mock.events"]; got != "3" {
		t.Errorf("Expected mock.events=3, got %q", got)
	}

	// Fields absent from the file keep their in-memory values
	if Config.Engine.Type != "mysql-snapshot" {
		t.Errorf("Expected engine type to survive partial decode, got %s", Config.Engine.Type)
	}
}

func TestGenerateServerID(t *testing.T) {
	id1, err := generateServerID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated server ID should not be 0")
	}

	// Generate another ID - should be the same (deterministic for machine)
	id2, err := generateServerID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Server ID should be deterministic for same machine")
	}
}

func TestStatePathDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.DataDir = "/var/lib/sluice"
	Config.State.OffsetFile = ""
	Config.State.HistoryFile = ""

	if OffsetFilePath() != "/var/lib/sluice/offsets.dat" {
		t.Errorf("Unexpected default offset path: %s", OffsetFilePath())
	}

	if HistoryFilePath() != "/var/lib/sluice/schema-history.jsonl" {
		t.Errorf("Unexpected default history path: %s", HistoryFilePath())
	}

	Config.State.OffsetFile = "/tmp/custom-offsets.dat"
	if OffsetFilePath() != "/tmp/custom-offsets.dat" {
		t.Errorf("Expected explicit offset path to win, got %s", OffsetFilePath())
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
