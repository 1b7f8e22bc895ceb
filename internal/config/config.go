// Package config loads the speedtrack configuration file. The file is YAML;
// since JSON is a subset of YAML, JSON configuration files work unchanged.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m-lab/speedtrack/internal/netid"
	"github.com/m-lab/speedtrack/internal/record"
)

// Config is the speedtrack configuration.
type Config struct {
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	QueueFile      string `yaml:"queue_file"`
	DatetimeFormat string `yaml:"datetime_format"`
	ArchiveDir     string `yaml:"archive_dir"`
	MetricsFile    string `yaml:"metrics_file"`
	NetidCommand   string `yaml:"netid_command"`

	Store            string `yaml:"store"`
	ConnectionString string `yaml:"connection_string"`
	DBName           string `yaml:"db_name"`
	CollectionName   string `yaml:"collection_name"`

	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	MeasureTimeout  time.Duration `yaml:"measure_timeout"`

	Probe ProbeConfig `yaml:"probe"`

	// Layout is the Go time layout derived from DatetimeFormat.
	Layout string `yaml:"-"`
}

// ProbeConfig configures the throughput1 client.
type ProbeConfig struct {
	// Server, when set, skips server discovery through the Locate API.
	Server   string        `yaml:"server"`
	Scheme   string        `yaml:"scheme"`
	Streams  int           `yaml:"streams"`
	Duration time.Duration `yaml:"duration"`
	Delay    time.Duration `yaml:"delay"`
	CC       string        `yaml:"cc"`
	NoVerify bool          `yaml:"no_verify"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueueFile == "" {
		c.QueueFile = "queue.json"
	}
	if c.Store == "" {
		c.Store = "mongodb"
	}
	if c.NetidCommand == "" {
		c.NetidCommand = netid.DefaultCommand
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.MeasureTimeout == 0 {
		c.MeasureTimeout = 30 * time.Second
	}
	if c.Probe.Scheme == "" {
		c.Probe.Scheme = "wss"
	}
	if c.Probe.Streams == 0 {
		c.Probe.Streams = 2
	}
	if c.Probe.Duration == 0 {
		c.Probe.Duration = 5 * time.Second
	}
	if c.Probe.CC == "" {
		c.Probe.CC = "bbr"
	}
}

func (c *Config) validate() error {
	layout, err := record.Layout(c.DatetimeFormat)
	if err != nil {
		return err
	}
	c.Layout = layout

	switch c.Store {
	case "mongodb":
		if c.DBName == "" || c.CollectionName == "" {
			return errors.New("mongodb store requires db_name and collection_name")
		}
	case "bigquery":
		if c.DBName == "" || c.CollectionName == "" {
			return errors.New("bigquery store requires db_name (dataset) and collection_name (table)")
		}
	case "postgres":
		if c.CollectionName == "" {
			return errors.New("postgres store requires collection_name (table)")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.ConnectionString == "" {
		return errors.New("connection_string is required")
	}
	if c.DeliveryTimeout < 0 || c.MeasureTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Probe.Scheme != "ws" && c.Probe.Scheme != "wss" {
		return fmt.Errorf("probe.scheme must be ws or wss, got %q", c.Probe.Scheme)
	}
	if c.Probe.Streams < 1 {
		return errors.New("probe.streams must be positive")
	}
	if c.Probe.Duration < 0 || c.Probe.Delay < 0 {
		return errors.New("probe durations must not be negative")
	}
	if time.Duration(c.Probe.Streams-1)*c.Probe.Delay >= c.Probe.Duration {
		return errors.New("probe.delay is too long for the number of streams and duration")
	}
	return nil
}
