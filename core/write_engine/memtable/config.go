package memtable

import (
	"fmt"
	"path/filepath"

	flushmanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/flush_manager"
)

// TableConfig declares one table and its backing file.
type TableConfig struct {
	// Name is the table name used to address pages.
	Name string `yaml:"name"`
	// Path is the backing file. Defaults to <data_dir>/<name>.db.
	Path string `yaml:"path,omitempty"`
}

// Config holds everything needed to construct a BufferPool.
type Config struct {
	// PoolSize is the number of frames each table gets.
	PoolSize int `yaml:"pool_size"`
	// DataDir is where table files without an explicit path live.
	DataDir string `yaml:"data_dir"`
	// Tables is the fixed, ordered table set.
	Tables []TableConfig `yaml:"tables"`
}

// Validate checks the pool size and that table names are present and unique.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("%w: pool_size must be at least 1, got %d", flushmanager.ErrInvalidPoolConfig, c.PoolSize)
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("%w: no tables configured", flushmanager.ErrInvalidPoolConfig)
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("%w: table %d has no name", flushmanager.ErrInvalidPoolConfig, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate table %q", flushmanager.ErrInvalidPoolConfig, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// TablePath resolves the backing file of t.
func (c Config) TablePath(t TableConfig) string {
	if t.Path != "" {
		return t.Path
	}
	return filepath.Join(c.DataDir, t.Name+".db")
}
