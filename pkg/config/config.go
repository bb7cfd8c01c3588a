// Package config holds the control panel's configuration: where the
// migration tool lives, where its files land, and how the daemon listens.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "60s"-style YAML strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration, loadable from migrate.yaml with
// environment overrides.
type Config struct {
	ListenAddr string `yaml:"listen"`

	// BinDir is the migration tool's home and working directory. The tool
	// writes its log, mapping, and data files relative to it.
	BinDir   string `yaml:"bin_dir"`
	ToolPath string `yaml:"tool_path"`
	// HelperScript calls the destination space's user-listing endpoint and
	// prints JSON between ===JSON_START===/===JSON_END=== markers.
	HelperScript string `yaml:"helper_script"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	InitTimeout    Duration `yaml:"init_timeout"`
	ExecuteTimeout Duration `yaml:"execute_timeout"`
	TailInterval   Duration `yaml:"tail_interval"`
	// Prompt cadences differ by phase: the streamed execute prompts rarely,
	// the background execute is watched more aggressively.
	StreamPromptCadence     Duration `yaml:"stream_prompt_cadence"`
	BackgroundPromptCadence Duration `yaml:"background_prompt_cadence"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:              ":8750",
		BinDir:                  "./bin",
		LogFile:                 "migrated.log",
		LogLevel:                "INFO",
		InitTimeout:             Duration(60 * time.Second),
		ExecuteTimeout:          Duration(300 * time.Second),
		TailInterval:            Duration(time.Second),
		StreamPromptCadence:     Duration(10 * time.Second),
		BackgroundPromptCadence: Duration(2 * time.Second),
	}
}

// Load builds the configuration: defaults, then the YAML file if present,
// then environment variables. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.ToolPath == "" {
		cfg.ToolPath = filepath.Join(cfg.BinDir, "backlog-migration")
	}
	if cfg.HelperScript == "" {
		cfg.HelperScript = filepath.Join(cfg.BinDir, "fetch_users.sh")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MIGRATE_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MIGRATE_BIN_DIR"); v != "" {
		cfg.BinDir = v
	}
	if v := os.Getenv("MIGRATE_TOOL_PATH"); v != "" {
		cfg.ToolPath = v
	}
	if v := os.Getenv("MIGRATE_HELPER_SCRIPT"); v != "" {
		cfg.HelperScript = v
	}
	if v := os.Getenv("MIGRATE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MIGRATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Level parses the configured log level.
func (c Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Paths the migration tool and the panel agree on, all under BinDir.

func (c Config) LogDir() string     { return filepath.Join(c.BinDir, "log") }
func (c Config) MappingDir() string { return filepath.Join(c.BinDir, "mapping") }
func (c Config) DataDir() string    { return filepath.Join(c.BinDir, "backlog") }

// ToolLogFile is the log the tool itself writes.
func (c Config) ToolLogFile() string { return filepath.Join(c.LogDir(), "backlog-migration.log") }

// InitLogFile holds the captured output of the init phase.
func (c Config) InitLogFile() string { return filepath.Join(c.LogDir(), "migration-init.log") }

// ExecLogFile is the durable log the background execute run appends to.
func (c Config) ExecLogFile() string { return filepath.Join(c.LogDir(), "migration-execution.log") }

func (c Config) UsersCSV() string     { return filepath.Join(c.MappingDir(), "users.csv") }
func (c Config) UsersListCSV() string { return filepath.Join(c.MappingDir(), "users_list.csv") }

// ProjectJSON is the marker file whose mtime doubles as a completion signal.
func (c Config) ProjectJSON() string { return filepath.Join(c.DataDir(), "project.json") }

// ProcessInfoFile records the active background run for later polling.
func (c Config) ProcessInfoFile() string { return filepath.Join(c.BinDir, "migration-process.json") }

// EnsureDirs creates the directories the tool expects to exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.BinDir, c.LogDir(), c.MappingDir(), c.DataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
