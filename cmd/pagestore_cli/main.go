package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ahmad87Homs/DataBaseManager/config"
	"github.com/Ahmad87Homs/DataBaseManager/core/write_engine/memtable"
	"github.com/Ahmad87Homs/DataBaseManager/pkg/logger"
	"github.com/Ahmad87Homs/DataBaseManager/pkg/telemetry"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dataDir    = flag.String("data_dir", "", "Directory holding table files (overrides config)")
	poolSize   = flag.Int("pool_size", 0, "Frames per table (overrides config)")
	logLevel   = flag.String("log_level", "", "Log level (overrides config)")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dataDir != "" {
		cfg.BufferPool.DataDir = *dataDir
	}
	if *poolSize != 0 {
		cfg.BufferPool.PoolSize = *poolSize
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, flag.Args()); err != nil {
		log.Error("pagestore_cli failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger, args []string) (err error) {
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if serr := shutdown(context.Background()); serr != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(serr))
		}
	}()

	if err := os.MkdirAll(cfg.BufferPool.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	pool, err := memtable.NewBufferPool(cfg.BufferPool, log, tel.Meter)
	if err != nil {
		return err
	}
	sh := newShell(pool, os.Stdout)
	defer func() {
		if cerr := sh.close(); cerr != nil {
			log.Warn("Failed to release pinned pages", zap.Error(cerr))
		}
		if cerr := pool.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if len(args) > 0 {
		if err := sh.processCommand(args); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	}
	return interactive(sh)
}

func completer() *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{}
	for _, cmd := range []string{
		"tables", "fetch", "pin", "unpin", "append", "read", "flush", "flushall",
		"write", "stats", "snapshot", "bench", "help", "exit", "quit",
	} {
		items = append(items, readline.PcItem(cmd))
	}
	return readline.NewPrefixCompleter(items...)
}

func interactive(sh *shell) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagestore> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".pagestore_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Println("pagestore CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		cmdArgs := strings.Fields(line)
		if len(cmdArgs) == 0 {
			continue
		}
		err = sh.processCommand(cmdArgs)
		if errors.Is(err, errQuit) {
			fmt.Println("Exiting pagestore CLI.")
			return nil
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}
