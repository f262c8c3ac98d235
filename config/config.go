// Package config loads pagestore settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Ahmad87Homs/DataBaseManager/core/write_engine/memtable"
	"github.com/Ahmad87Homs/DataBaseManager/pkg/logger"
	"github.com/Ahmad87Homs/DataBaseManager/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the root of a pagestore configuration file.
type Config struct {
	BufferPool memtable.Config  `yaml:"buffer_pool"`
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration: ten frames per table over
// table1, table2 and table3 in ./data.
func Default() Config {
	return Config{
		BufferPool: memtable.Config{
			PoolSize: 10,
			DataDir:  "data",
			Tables: []memtable.TableConfig{
				{Name: "table1"},
				{Name: "table2"},
				{Name: "table3"},
			},
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "pagestore",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. A table list
// in the document replaces the default one.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.BufferPool.Validate(); err != nil {
		return fmt.Errorf("buffer_pool: %w", err)
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		return fmt.Errorf("telemetry: invalid prometheus_port %d", c.Telemetry.PrometheusPort)
	}
	return nil
}
