// Package feedmind is an intelligence-extraction pipeline for feed
// articles: it decomposes articles into atomic information units,
// deduplicates them across sources and time through an exact and a
// semantic tier, grows an entity knowledge graph, and periodically
// curates the highest-value units into a digest.
package feedmind

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/feedmind/feedmind/agents"
	"github.com/feedmind/feedmind/llm"
	"github.com/feedmind/feedmind/pipeline"
	"github.com/feedmind/feedmind/telemetry"
)

// Config holds all configuration for the feedmind engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.feedmind/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is
	// not explicitly set: "home" (default) uses ~/.feedmind/, "local"
	// uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers. Embedding is optional; without it the hash-n-gram
	// fallback produces the vectors.
	Chat      llm.Config `json:"chat" yaml:"chat"`
	Embedding llm.Config `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model (or the fallback).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Pipeline bounds (concurrency, dedup thresholds, deep mode).
	Pipeline pipeline.Config `json:"pipeline" yaml:"pipeline"`

	// Curator limits and thresholds.
	Curator agents.CuratorConfig `json:"curator" yaml:"curator"`

	// Telemetry recorder settings.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// UnsentLimit caps how many unsent units one digest cycle reviews.
	UnsentLimit int `json:"unsent_limit" yaml:"unsent_limit"`

	// Schedule drives the long-running serve loop.
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
}

// ScheduleConfig drives the serve loop.
type ScheduleConfig struct {
	// FetchInterval between fetch cycles.
	FetchInterval time.Duration `json:"fetch_interval" yaml:"fetch_interval"`
	// DigestTimes are local times of day ("08:00") to emit digests.
	DigestTimes []string `json:"digest_times" yaml:"digest_times"`
}

// DefaultConfig returns a Config with sensible defaults.
// Database is stored in ~/.feedmind/feedmind.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "feedmind",
		StorageDir: "home",
		Chat: llm.Config{
			Provider:    "deepseek",
			Model:       "deepseek-chat",
			MaxTokens:   4096,
			Temperature: 0.3,
		},
		EmbeddingDim: 256,
		Pipeline:     pipeline.DefaultConfig(),
		Curator:      agents.DefaultCuratorConfig(),
		Telemetry:    telemetry.DefaultConfig(),
		UnsentLimit:  100,
		Schedule: ScheduleConfig{
			FetchInterval: time.Hour,
			DigestTimes:   []string{"08:00", "20:00"},
		},
	}
}

// LoadConfig reads a YAML config file, expanding ${ENV_VAR} references,
// over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the parts New cannot default.
func (c *Config) Validate() error {
	if c.Chat.Provider == "" {
		return ErrNoLLMProvider
	}
	if c.resolveDBPath() == "" {
		return ErrNoDBPath
	}
	for _, t := range c.Schedule.DigestTimes {
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("feedmind: bad digest time %q: %w", t, err)
		}
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "feedmind"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".feedmind")
		return filepath.Join(dir, name+".db")
	}
}
