// Package config loads pipeline settings from a YAML file or the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full pipeline configuration.
type Config struct {
	DB        string          `yaml:"db"      env:"FANGYAN_DB"      env-default:"fangyan.db"`
	Tables    string          `yaml:"tables"  env:"FANGYAN_TABLES"`
	Sources   []string        `yaml:"sources" env:"FANGYAN_SOURCES" env-separator:","`
	Reference ReferenceConfig `yaml:"reference"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
}

// ReferenceConfig points at the canonical location tables.
type ReferenceConfig struct {
	Path string `yaml:"path" env:"FANGYAN_REFERENCE"`
	// Legacy is merged under Path; Path wins ties.
	Legacy string `yaml:"legacy" env:"FANGYAN_REFERENCE_LEGACY"`
}

// ResolverConfig tunes label matching and suggestions.
type ResolverConfig struct {
	// Policy is "newest" or "origin".
	Policy              string   `yaml:"policy"               env:"FANGYAN_POLICY"               env-default:"newest"`
	PreferredOrigins    []string `yaml:"preferred_origins"    env:"FANGYAN_PREFERRED_ORIGINS"    env-separator:","`
	SimilarityThreshold float64  `yaml:"similarity_threshold" env:"FANGYAN_SIMILARITY_THRESHOLD" env-default:"0.7"`
	PinyinThreshold     float64  `yaml:"pinyin_threshold"     env:"FANGYAN_PINYIN_THRESHOLD"     env-default:"0.9"`
}

// IngestConfig controls the orchestrator.
type IngestConfig struct {
	Mode      string `yaml:"mode"       env:"FANGYAN_MODE"       env-default:"incremental"`
	Workers   int    `yaml:"workers"    env:"FANGYAN_WORKERS"    env-default:"1"`
	BatchSize int    `yaml:"batch_size" env:"FANGYAN_BATCH_SIZE" env-default:"1"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"  env:"FANGYAN_LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"FANGYAN_LOG_FORMAT" env-default:"text"`
}

// SourceDir is one directory of source tables and the origin it is tagged with.
type SourceDir struct {
	Origin string
	Dir    string
}

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// With an empty path only ENV and defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DB) == "" {
		return fmt.Errorf("db must be set")
	}
	if _, err := c.SourceDirs(); err != nil {
		return err
	}
	if err := c.Resolver.validate(); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := c.Ingest.validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}

func (r *ResolverConfig) validate() error {
	switch r.Policy {
	case "newest":
	case "origin":
		if len(r.PreferredOrigins) == 0 {
			return fmt.Errorf("policy origin needs preferred_origins")
		}
	default:
		return fmt.Errorf("unknown policy %q", r.Policy)
	}
	if r.SimilarityThreshold <= 0 || r.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1] (got %v)", r.SimilarityThreshold)
	}
	if r.PinyinThreshold <= 0 || r.PinyinThreshold > 1 {
		return fmt.Errorf("pinyin_threshold must be in (0, 1] (got %v)", r.PinyinThreshold)
	}
	return nil
}

func (i *IngestConfig) validate() error {
	if i.Mode != "full" && i.Mode != "incremental" {
		return fmt.Errorf("mode must be full or incremental (got %q)", i.Mode)
	}
	if i.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", i.Workers)
	}
	if i.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1 (got %d)", i.BatchSize)
	}
	return nil
}

// SourceDirs parses Sources. Each entry is "origin=dir" or a bare dir, in
// which case the directory's base name is the origin.
func (c *Config) SourceDirs() ([]SourceDir, error) {
	return ParseSources(c.Sources)
}

// ParseSources parses "origin=dir" entries.
func ParseSources(entries []string) ([]SourceDir, error) {
	out := make([]SourceDir, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		origin, dir, ok := strings.Cut(e, "=")
		if !ok {
			dir = origin
			origin = filepath.Base(filepath.Clean(dir))
		}
		origin, dir = strings.TrimSpace(origin), strings.TrimSpace(dir)
		if origin == "" || dir == "" {
			return nil, fmt.Errorf("source %q: want origin=dir", e)
		}
		out = append(out, SourceDir{Origin: origin, Dir: dir})
	}
	return out, nil
}
