// Package config provides configuration loading and structs for paperscope.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duplicate policies for re-ingesting an identifier.
const (
	DuplicateReplace = "replace"
	DuplicateReject  = "reject"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Encoder EncoderConfig `yaml:"encoder"`
	Search  SearchConfig  `yaml:"search"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimit is the sustained requests per second allowed across all clients; 0 disables limiting.
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
}

// StorageConfig holds paths for the three persisted artifacts and the lexical index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	IndexPath      string `yaml:"index_path"`
	MappingPath    string `yaml:"mapping_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
	CacheSize      int    `yaml:"cache_size"`
	Compress       bool   `yaml:"compress"`
}

// IndexConfig holds vector index settings. Dimensions is fixed for the lifetime of an index.
type IndexConfig struct {
	Type              string `yaml:"type"`
	Dimensions        int    `yaml:"dimensions"`
	ParallelThreshold int    `yaml:"parallel_threshold"`
	Workers           int    `yaml:"workers"`
}

// EncoderConfig holds CLIP encoder settings.
type EncoderConfig struct {
	// Type is "clip" (ONNX Runtime, needs CGO) or "mock" (deterministic, for development).
	Type           string `yaml:"type"`
	TextModelPath  string `yaml:"text_model_path"`
	ImageModelPath string `yaml:"image_model_path"`
	VocabPath      string `yaml:"vocab_path"`
	LibraryPath    string `yaml:"library_path"`
	ContextLength  int    `yaml:"context_length"`
	CacheSize      int    `yaml:"cache_size"`
}

// SearchConfig holds query defaults and fusion weights.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
	// DefaultThreshold applies when a query has none. Unset means no threshold.
	DefaultThreshold *float64 `yaml:"default_threshold"`
	// CandidateMultiplier over-fetches k*multiplier rows so that skipped gaps and
	// thresholding still leave k results.
	CandidateMultiplier int           `yaml:"candidate_multiplier"`
	TextWeight          float64       `yaml:"text_weight"`
	ImageWeight         float64       `yaml:"image_weight"`
	KeywordWeight       float64       `yaml:"keyword_weight"`
	SemanticWeight      float64       `yaml:"semantic_weight"`
	KeywordTitleBoost   float64       `yaml:"keyword_title_boost"`
	Timeout             time.Duration `yaml:"timeout"`
}

// IngestConfig holds index builder settings.
type IngestConfig struct {
	DuplicatePolicy string        `yaml:"duplicate_policy"`
	AllOrNothing    bool          `yaml:"all_or_nothing"`
	BatchSize       int           `yaml:"batch_size"`
	Timeout         time.Duration `yaml:"timeout"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	InboxDir   string        `yaml:"inbox_dir"`
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Enabled reports whether an inbox directory is configured.
func (w *WatchConfig) Enabled() bool {
	return w.InboxDir != ""
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.MappingPath = expandPath(cfg.Storage.MappingPath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Encoder.TextModelPath = expandPath(cfg.Encoder.TextModelPath, configDir)
	cfg.Encoder.ImageModelPath = expandPath(cfg.Encoder.ImageModelPath, configDir)
	cfg.Encoder.VocabPath = expandPath(cfg.Encoder.VocabPath, configDir)
	cfg.Encoder.LibraryPath = expandPath(cfg.Encoder.LibraryPath, configDir)
	cfg.Watch.InboxDir = expandPath(cfg.Watch.InboxDir, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive, got %d", c.Index.Dimensions)
	}
	if c.Index.Type != "" && c.Index.Type != "flat" {
		return fmt.Errorf("index.type %q is not supported (supported: flat)", c.Index.Type)
	}
	switch c.Encoder.Type {
	case "", "clip", "mock":
	default:
		return fmt.Errorf("encoder.type %q is not supported (supported: clip, mock)", c.Encoder.Type)
	}
	switch c.Ingest.DuplicatePolicy {
	case DuplicateReplace, DuplicateReject:
	default:
		return fmt.Errorf("ingest.duplicate_policy %q is not supported (supported: replace, reject)", c.Ingest.DuplicatePolicy)
	}
	if c.Search.DefaultK <= 0 || c.Search.MaxK < c.Search.DefaultK {
		return fmt.Errorf("search.default_k (%d) must be positive and not exceed search.max_k (%d)", c.Search.DefaultK, c.Search.MaxK)
	}
	if c.Search.CandidateMultiplier < 1 {
		return fmt.Errorf("search.candidate_multiplier must be at least 1, got %d", c.Search.CandidateMultiplier)
	}
	if t := c.Search.DefaultThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("search.default_threshold must be within [0,1], got %f", *t)
	}
	for name, w := range map[string]float64{
		"text_weight":     c.Search.TextWeight,
		"image_weight":    c.Search.ImageWeight,
		"keyword_weight":  c.Search.KeywordWeight,
		"semantic_weight": c.Search.SemanticWeight,
	} {
		if w < 0 {
			return fmt.Errorf("search.%s must not be negative", name)
		}
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
