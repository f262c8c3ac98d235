// Package logger builds the zap logger shared by pagestore binaries and tests.
//
// Components never build their own root logger. They take a *zap.Logger and
// derive a named child (buffer_pool, disk_manager) from it.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is attached to every log line unless Config.Service is set.
const DefaultService = "pagestore"

// Config is the logger section of the pagestore config file.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error; anything else means info
	Format     string `yaml:"format"`      // json (default) or console
	OutputFile string `yaml:"output_file"` // stdout (default), stderr or a file path appended to
	Service    string `yaml:"service,omitempty"`
}

func (c Config) level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (c Config) service() string {
	if c.Service == "" {
		return DefaultService
	}
	return c.Service
}

// New builds the root logger described by config.
func New(config Config) (*zap.Logger, error) {
	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(config.Format), sink, zap.NewAtomicLevelAt(config.level()))
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", config.service()))), nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(file), nil
}
