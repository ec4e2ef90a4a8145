package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

var cfgCoordinator Coordinator

type Coordinator struct {
	LogLevel   string `json:"log_level" toml:"log_level" yaml:"log_level"`
	QdbKind    string `json:"qdb_kind" toml:"qdb_kind" yaml:"qdb_kind"`
	QdbAddr    string `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	ReporterID string `json:"reporter_id" toml:"reporter_id" yaml:"reporter_id"`

	FailureDetectInterval time.Duration `json:"failure_detect_interval" toml:"failure_detect_interval" yaml:"failure_detect_interval"`
	FailureHandleInterval time.Duration `json:"failure_handle_interval" toml:"failure_handle_interval" yaml:"failure_handle_interval"`
	HostMetaSyncInterval  time.Duration `json:"host_meta_sync_interval" toml:"host_meta_sync_interval" yaml:"host_meta_sync_interval"`
	MigrationSyncInterval time.Duration `json:"migration_sync_interval" toml:"migration_sync_interval" yaml:"migration_sync_interval"`
	FailureTTL            time.Duration `json:"failure_ttl" toml:"failure_ttl" yaml:"failure_ttl"`

	// latency and throughput knobs, not correctness-critical
	DetectBatchSize int           `json:"detect_batch_size" toml:"detect_batch_size" yaml:"detect_batch_size"`
	SyncBatchSize   int           `json:"sync_batch_size" toml:"sync_batch_size" yaml:"sync_batch_size"`
	BatchTimeout    time.Duration `json:"batch_timeout" toml:"batch_timeout" yaml:"batch_timeout"`

	ProxyDialTimeout time.Duration `json:"proxy_dial_timeout" toml:"proxy_dial_timeout" yaml:"proxy_dial_timeout"`
	ProxyIOTimeout   time.Duration `json:"proxy_io_timeout" toml:"proxy_io_timeout" yaml:"proxy_io_timeout"`
}

// LoadCoordinatorCfg loads the coordinator configuration from the specified
// file path and applies defaults for every knob left unset.
//
// Returns the JSON-formatted effective config.
func LoadCoordinatorCfg(cfgPath string) (string, error) {
	var ccfg Coordinator
	file, err := os.Open(cfgPath)
	if err != nil {
		cfgCoordinator = ccfg
		return "", err
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Fatalf("failed to close config file: %v", err)
		}
	}(file)

	if err := initConfig(file, &ccfg); err != nil {
		cfgCoordinator = ccfg
		return "", err
	}

	ccfg.applyDefaults()
	cfgCoordinator = ccfg

	configBytes, err := json.MarshalIndent(&cfgCoordinator, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

// CoordinatorConfig returns a pointer to the Coordinator configuration.
func CoordinatorConfig() *Coordinator {
	return &cfgCoordinator
}

func (c *Coordinator) applyDefaults() {
	if c.QdbKind == "" {
		c.QdbKind = "etcd"
	}
	if c.FailureDetectInterval == 0 {
		c.FailureDetectInterval = time.Second
	}
	if c.FailureHandleInterval == 0 {
		c.FailureHandleInterval = time.Second
	}
	if c.HostMetaSyncInterval == 0 {
		c.HostMetaSyncInterval = time.Second
	}
	if c.MigrationSyncInterval == 0 {
		c.MigrationSyncInterval = time.Second
	}
	if c.FailureTTL == 0 {
		c.FailureTTL = time.Minute
	}
	if c.DetectBatchSize == 0 {
		c.DetectBatchSize = 30
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = 10
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = time.Millisecond
	}
	if c.ProxyDialTimeout == 0 {
		c.ProxyDialTimeout = 2 * time.Second
	}
	if c.ProxyIOTimeout == 0 {
		c.ProxyIOTimeout = 2 * time.Second
	}
}
