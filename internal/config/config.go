package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxFileSizeMB bounds the size of any single PDF accepted for conversion
	DefaultMaxFileSizeMB = 200

	// DefaultCacheTTL is how long memoised conversion outputs stay valid
	DefaultCacheTTL = 30 * time.Minute

	MaxFileSizeEnvVar    = "PDF_PROCESSOR_MAX_FILE_SIZE"
	RecursiveEnvVar      = "PDF_PROCESSOR_RECURSIVE"
	MarkdownOutputEnvVar = "PDF_PROCESSOR_MARKDOWN_OUTPUT"
	ImagesDirEnvVar      = "PDF_PROCESSOR_IMAGES_DIR"
	CacheTTLEnvVar       = "PDF_PROCESSOR_CACHE_TTL"
	ConfigPathEnvVar     = "PDF_PROCESSOR_CONFIG"
)

// Config carries the server's processing defaults. It is an explicit value
// object: the convert_pdf tool snapshots it once per request and request
// arguments override its fields, so a batch in flight never observes a
// concurrent reload.
type Config struct {
	// Recursive is the default for requests that omit the recursive flag
	Recursive bool

	// MarkdownOutput is the default markdown output directory ("" = return
	// markdown inline only, write nothing)
	MarkdownOutput string

	// ImagesDir is the default image extraction directory ("" = no images)
	ImagesDir string

	// MaxFileSizeMB bounds individual PDF size; larger files fail per-file
	MaxFileSizeMB int

	// CacheTTL controls conversion memoisation; zero disables the cache
	CacheTTL time.Duration
}

// fileConfig mirrors the YAML config file. Durations travel as strings
// ("30m", "1h") and absent keys leave the compiled defaults untouched.
type fileConfig struct {
	Recursive      *bool  `yaml:"recursive"`
	MarkdownOutput string `yaml:"markdown_output"`
	ImagesDir      string `yaml:"images_dir"`
	MaxFileSizeMB  *int   `yaml:"max_file_size_mb"`
	CacheTTL       string `yaml:"cache_ttl"`
}

// current holds the live configuration snapshot swapped by Load and the
// file watcher.
var current atomic.Pointer[Config]

func init() {
	current.Store(DefaultConfig())
}

// DefaultConfig returns the compiled-in defaults
func DefaultConfig() *Config {
	return &Config{
		Recursive:     true,
		MaxFileSizeMB: DefaultMaxFileSizeMB,
		CacheTTL:      DefaultCacheTTL,
	}
}

// Get returns a copy of the current configuration snapshot
func Get() Config {
	return *current.Load()
}

// Load builds the configuration from defaults, the optional YAML config
// file, and environment variables (highest precedence), then installs it as
// the current snapshot.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := FilePath()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	current.Store(cfg)
	return cfg, nil
}

// FilePath returns the config file location, honouring the
// PDF_PROCESSOR_CONFIG override.
func FilePath() string {
	if custom := os.Getenv(ConfigPathEnvVar); custom != "" {
		return custom
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".mcp-pdf-processor", "config.yaml")
}

// applyFile overlays settings from a YAML file. A missing file is not an
// error; a malformed one is.
func (c *Config) applyFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.Recursive != nil {
		c.Recursive = *file.Recursive
	}
	if file.MarkdownOutput != "" {
		c.MarkdownOutput = file.MarkdownOutput
	}
	if file.ImagesDir != "" {
		c.ImagesDir = file.ImagesDir
	}
	if file.MaxFileSizeMB != nil {
		c.MaxFileSizeMB = *file.MaxFileSizeMB
	}
	if file.CacheTTL != "" {
		ttl, err := time.ParseDuration(file.CacheTTL)
		if err != nil {
			return fmt.Errorf("invalid cache_ttl in config file %s: %w", path, err)
		}
		c.CacheTTL = ttl
	}
	return nil
}

// applyEnv overlays settings from PDF_PROCESSOR_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv(RecursiveEnvVar); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Recursive = b
		}
	}

	if v := os.Getenv(MarkdownOutputEnvVar); v != "" {
		c.MarkdownOutput = v
	}

	if v := os.Getenv(ImagesDirEnvVar); v != "" {
		c.ImagesDir = v
	}

	if v := os.Getenv(MaxFileSizeEnvVar); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			c.MaxFileSizeMB = size
		}
	}

	if v := os.Getenv(CacheTTLEnvVar); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil && ttl >= 0 {
			c.CacheTTL = ttl
		}
	}
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max file size must be greater than 0")
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	if c.MarkdownOutput != "" && !filepath.IsAbs(c.MarkdownOutput) {
		return fmt.Errorf("markdown_output must be an absolute path: %s", c.MarkdownOutput)
	}

	if c.ImagesDir != "" && !filepath.IsAbs(c.ImagesDir) {
		return fmt.Errorf("images_dir must be an absolute path: %s", c.ImagesDir)
	}

	return nil
}

// MaxFileSizeBytes returns the per-file size limit in bytes
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// ValidateFileSize checks one candidate file's size against the limit
func (c *Config) ValidateFileSize(fileSizeBytes int64) error {
	maxBytes := c.MaxFileSizeBytes()
	if fileSizeBytes > maxBytes {
		sizeMB := float64(fileSizeBytes) / (1024 * 1024)
		return fmt.Errorf("PDF file size %.1fMB exceeds maximum allowed size of %dMB (use %s environment variable to adjust limit)",
			sizeMB, c.MaxFileSizeMB, MaxFileSizeEnvVar)
	}
	return nil
}
