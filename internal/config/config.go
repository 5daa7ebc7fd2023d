// Package config holds the single configuration record the core
// exposes. The core never reads the environment itself; the CLI (or
// any other embedder) builds a Config and passes it down.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/relaydocs/spacesync/internal/sink"
	"github.com/relaydocs/spacesync/models"
)

// Config is every tunable named across the controller, concurrency
// budget, queue, checkpoint, and retry designs, plus the section order
// and output layout.
type Config struct {
	ExportID  string `yaml:"exportId"`
	OutputDir string `yaml:"outputDir"`
	Format    string `yaml:"format"`

	Controller models.ControllerConfig       `yaml:"controller"`
	Budget     map[models.OperationClass]int `yaml:"concurrencyBudget"`

	QueueCapacity    int           `yaml:"queueCapacity"`
	MaxMemoryItems   int           `yaml:"maxMemoryItems"`
	PageSize         int           `yaml:"pageSize"`
	AutoSaveInterval time.Duration `yaml:"autoSaveInterval"`
	ShutdownDeadline time.Duration `yaml:"shutdownDeadline"`
	RetryMaxAttempts int           `yaml:"retryMaxAttempts"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	DedupeEnabled    bool          `yaml:"dedupeEnabled"`

	Sections []string `yaml:"sections"`
}

// DefaultSections is the fixed run order named by the orchestrator design.
var DefaultSections = []string{"pages", "databases", "users", "blocks", "comments", "properties"}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		Format:           string(sink.FormatJSONL),
		Controller:       models.DefaultControllerConfig(),
		Budget:           models.DefaultConcurrencyBudget(),
		QueueCapacity:    500,
		MaxMemoryItems:   200,
		PageSize:         50,
		AutoSaveInterval: 30 * time.Second,
		ShutdownDeadline: 30 * time.Second,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   500 * time.Millisecond,
		DedupeEnabled:    true,
		Sections:         append([]string(nil), DefaultSections...),
	}
}

// LoadYAML reads a Config from path, starting from Default() so a
// partial file only overrides the fields it names. Not called by any
// core component; this exists solely for CLI convenience.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// CheckpointPath returns the checkpoint file location for this export,
// per the original `<outputDir>/.<exportId>.checkpoint.json` contract.
func (c Config) CheckpointPath() string {
	return c.OutputDir + "/." + c.ExportID + ".checkpoint.json"
}

// Validate reports a configuration error (exit code 3 in the CLI
// contract) for any field that would make the run meaningless.
func (c Config) Validate() error {
	if c.ExportID == "" {
		return fmt.Errorf("config: exportId is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: outputDir is required")
	}
	switch c.Format {
	case string(sink.FormatJSONL), string(sink.FormatMarkdown), string(sink.FormatCSV):
	default:
		return fmt.Errorf("config: unknown format %q", c.Format)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queueCapacity must be positive")
	}
	if len(c.Sections) == 0 {
		return fmt.Errorf("config: at least one section is required")
	}
	return nil
}
