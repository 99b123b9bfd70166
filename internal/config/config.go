// Package config loads the server configuration from YAML with
// environment-variable overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config filename looked up in the working directory.
const DefaultFile = "clipsmith.yaml"

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Memory   MemoryConfig   `yaml:"memory"`
	Outputs  OutputsConfig  `yaml:"outputs"`
	Jobs     JobsConfig     `yaml:"jobs"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// DSN is a pgx connection string. CLIPSMITH_DATABASE_URL overrides.
	DSN string `yaml:"dsn"`
}

type ModelConfig struct {
	// Name selects the provider by prefix, e.g. claude-sonnet-4-5 or
	// gemini-2.5-flash.
	Name         string  `yaml:"name"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the sqlite database file for semantic memory.
	Path string `yaml:"path"`
	// Embedder selects the provider: voyage or gemini.
	Embedder string `yaml:"embedder"`
}

type OutputsConfig struct {
	// Dir receives produced media files and is watched for new ones.
	Dir string `yaml:"dir"`
}

type JobsConfig struct {
	// CleanupSchedule is a cron expression for dropping old jobs.
	CleanupSchedule string   `yaml:"cleanup_schedule"`
	Retention       Duration `yaml:"retention"`
}

// Duration accepts Go duration strings like "30m" or "48h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Model:    ModelConfig{Name: "claude-sonnet-4-5", MaxTokens: 8192},
		Memory:   MemoryConfig{Enabled: true, Path: "clipsmith-memory.db", Embedder: "voyage"},
		Outputs:  OutputsConfig{Dir: "outputs"},
		Jobs:     JobsConfig{CleanupSchedule: "0 * * * *", Retention: Duration(24 * time.Hour)},
		LogLevel: "info",
	}
}

// Load reads path if it exists, overlays environment variables, and
// validates the result. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays deployment overrides. Secrets only live in the
// environment; the YAML file never carries API keys.
func (c *Config) applyEnv() {
	if v := os.Getenv("CLIPSMITH_DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("CLIPSMITH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CLIPSMITH_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("CLIPSMITH_OUTPUTS_DIR"); v != "" {
		c.Outputs.Dir = v
	}
	if v := os.Getenv("CLIPSMITH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the fields every run needs.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config: model.name is required")
	}
	if c.Memory.Enabled {
		switch c.Memory.Embedder {
		case "voyage", "gemini":
		default:
			return fmt.Errorf("config: memory.embedder must be voyage or gemini, got %q", c.Memory.Embedder)
		}
	}
	return nil
}
