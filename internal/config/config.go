package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	needleerrors "github.com/UIC-InDeXLab/Needle/internal/errors"
)

// Config is the complete configuration consumed by the retrieval core,
// covering every field enumerated in SPEC_FULL.md's config inputs section
// plus the data directory and logging fields its ambient stack section adds.
type Config struct {
	Version int `yaml:"version" json:"version"`

	Directories DirectoriesConfig `yaml:"directories" json:"directories"`
	Index       IndexConfig       `yaml:"index" json:"index"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler" json:"reconciler"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
	Feedback    FeedbackConfig    `yaml:"feedback" json:"feedback"`
	Generator   GeneratorConfig   `yaml:"generator" json:"generator"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`

	// Embedders enumerates the image embedders the embedder set (C3)
	// constructs at startup, each backed by its own model server.
	Embedders []EmbedderConfig `yaml:"embedders" json:"embedders"`

	// DataDir is the root directory for the catalog database, the
	// per-embedder HNSW persistence files, and the indexing lock file.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// EmbedderConfig describes one configured image embedder (§4.3's "on
// startup, instantiate each configured embedder").
type EmbedderConfig struct {
	Name      string `yaml:"name" json:"name"`
	ModelName string `yaml:"model_name" json:"model_name"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	// Dimensions is the expected output dimension; 0 defers to a
	// zero-tensor probe call against the embedder's server.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// DirectoriesConfig configures the scanner and indexing worker pool.
type DirectoriesConfig struct {
	// NumWatcherWorkers sizes the indexing task worker pool.
	NumWatcherWorkers int `yaml:"num_watcher_workers" json:"num_watcher_workers"`
	// NumEmbeddingWorkers is an intra-task parallelism hint. The service
	// does not pass it to the embedders.
	NumEmbeddingWorkers int `yaml:"num_embedding_workers" json:"num_embedding_workers"`
	// BatchSize is the number of images per embedding forward pass.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Recursive enables recursive directory scanning.
	Recursive bool `yaml:"recursive_indexing" json:"recursive_indexing"`
	// FollowSymlinks enables following symlinked subdirectories during scan.
	FollowSymlinks bool `yaml:"follow_symlinks" json:"follow_symlinks"`
	// MaxFileBytes skips (with a logged warning) any discovered file larger
	// than this during scan. Zero means unbounded.
	MaxFileBytes int64 `yaml:"max_file_bytes" json:"max_file_bytes"`
}

// IndexConfig tunes the HNSW graph backing every embedder collection.
type IndexConfig struct {
	M              int `yaml:"m" json:"m"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int `yaml:"ef_search" json:"ef_search"`
}

// ReconcilerConfig configures the consistency reconciler's run interval.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"consistency_check_interval_s" json:"consistency_check_interval_s"`
}

// RetrievalConfig configures the retrieval pipeline and generation request shape.
type RetrievalConfig struct {
	NumImagesToRetrieve int    `yaml:"num_images_to_retrieve" json:"num_images_to_retrieve"`
	NumImagesToGenerate int    `yaml:"num_images_to_generate" json:"num_images_to_generate"`
	ImageSizeLabel      string `yaml:"image_size_label" json:"image_size_label"`
	// NumEnginesToUse bounds how many configured generator engines must
	// succeed before the generator client stops attempting further engines.
	NumEnginesToUse int `yaml:"num_engines_to_use" json:"num_engines_to_use"`
	// UseFallback is not read by the service; the generator client always
	// moves on to the next configured engine when one fails.
	UseFallback bool `yaml:"use_fallback" json:"use_fallback"`
}

// FeedbackConfig configures the feedback updater's learning rate and weight floor.
type FeedbackConfig struct {
	// DefaultEta is the feedback learning rate applied to every embedder's
	// weight update absent a per-query override.
	DefaultEta float64 `yaml:"default_eta" json:"default_eta"`
	// WeightFloorEpsilon is validated but not passed on: the embedder set
	// floors each weight at its own embed.WeightFloor (1e-4) before
	// renormalization.
	WeightFloorEpsilon float64 `yaml:"weight_floor_epsilon" json:"weight_floor_epsilon"`
}

// GeneratorConfig describes the external image generation backends.
type GeneratorConfig struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	// Engines enumerates the generator engines to attempt, in configured order.
	Engines []EngineConfig `yaml:"engines" json:"engines"`
}

// EngineConfig is one generation engine and its per-engine parameters.
type EngineConfig struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params" json:"params"`
}

// LoggingConfig configures the structured, rotating-file logging stack.
type LoggingConfig struct {
	Level       string `yaml:"log_level" json:"log_level"`
	FilePath    string `yaml:"log_file_path" json:"log_file_path"`
	MaxSizeMB   int    `yaml:"log_max_size_mb" json:"log_max_size_mb"`
	MaxFiles    int    `yaml:"log_max_files" json:"log_max_files"`
	WriteStderr bool   `yaml:"log_write_stderr" json:"log_write_stderr"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Directories: DirectoriesConfig{
			NumWatcherWorkers:   4,
			NumEmbeddingWorkers: 4,
			BatchSize:           50,
			Recursive:           false,
			FollowSymlinks:      false,
		},
		Index: IndexConfig{
			M:              48,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds: 1800,
		},
		Retrieval: RetrievalConfig{
			NumImagesToRetrieve: 20,
			NumImagesToGenerate: 1,
			ImageSizeLabel:      "medium",
			NumEnginesToUse:     1,
			UseFallback:         true,
		},
		Feedback: FeedbackConfig{
			DefaultEta:         0.05,
			WeightFloorEpsilon: 1e-4,
		},
		Generator: GeneratorConfig{
			Endpoint: "http://localhost:8000/generate",
			Timeout:  30 * time.Second,
			Engines:  nil,
		},
		Logging: LoggingConfig{
			Level:       "info",
			FilePath:    defaultLogPath(),
			MaxSizeMB:   10,
			MaxFiles:    5,
			WriteStderr: true,
		},
		Embedders: []EmbedderConfig{
			{Name: "clip", ModelName: "clip-vit-b-32", Endpoint: "http://localhost:9659"},
			{Name: "resnet", ModelName: "resnet50", Endpoint: "http://localhost:9660"},
		},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".needle", "data")
	}
	return filepath.Join(home, ".needle", "data")
}

func defaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".needle", "logs", "needle.log")
	}
	return filepath.Join(home, ".needle", "logs", "needle.log")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/needle/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/needle/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "needle", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "needle", "config.yaml")
	}
	return filepath.Join(home, ".config", "needle", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist (that's OK).
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()

	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}

	return cfg, nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load loads configuration from the specified directory, applying sources
// in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/needle/config.yaml)
//  3. Project config (.needle.yaml in dir)
//  4. Environment variables (NEEDLE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .needle.yaml or .needle.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".needle.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".needle.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return needleerrors.New(needleerrors.ErrCodeConfigPermission,
				fmt.Sprintf("read config file %s", path), err)
		}
		return needleerrors.New(needleerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return needleerrors.New(needleerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("parse config file %s", path), err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	if other.Directories.NumWatcherWorkers != 0 {
		c.Directories.NumWatcherWorkers = other.Directories.NumWatcherWorkers
	}
	if other.Directories.NumEmbeddingWorkers != 0 {
		c.Directories.NumEmbeddingWorkers = other.Directories.NumEmbeddingWorkers
	}
	if other.Directories.BatchSize != 0 {
		c.Directories.BatchSize = other.Directories.BatchSize
	}
	if other.Directories.Recursive {
		c.Directories.Recursive = other.Directories.Recursive
	}
	if other.Directories.FollowSymlinks {
		c.Directories.FollowSymlinks = other.Directories.FollowSymlinks
	}
	if other.Directories.MaxFileBytes != 0 {
		c.Directories.MaxFileBytes = other.Directories.MaxFileBytes
	}

	if other.Index.M != 0 {
		c.Index.M = other.Index.M
	}
	if other.Index.EfConstruction != 0 {
		c.Index.EfConstruction = other.Index.EfConstruction
	}
	if other.Index.EfSearch != 0 {
		c.Index.EfSearch = other.Index.EfSearch
	}

	if other.Reconciler.IntervalSeconds != 0 {
		c.Reconciler.IntervalSeconds = other.Reconciler.IntervalSeconds
	}

	if other.Retrieval.NumImagesToRetrieve != 0 {
		c.Retrieval.NumImagesToRetrieve = other.Retrieval.NumImagesToRetrieve
	}
	if other.Retrieval.NumImagesToGenerate != 0 {
		c.Retrieval.NumImagesToGenerate = other.Retrieval.NumImagesToGenerate
	}
	if other.Retrieval.ImageSizeLabel != "" {
		c.Retrieval.ImageSizeLabel = other.Retrieval.ImageSizeLabel
	}
	if other.Retrieval.NumEnginesToUse != 0 {
		c.Retrieval.NumEnginesToUse = other.Retrieval.NumEnginesToUse
	}
	if other.Retrieval.UseFallback {
		c.Retrieval.UseFallback = other.Retrieval.UseFallback
	}

	if other.Feedback.DefaultEta != 0 {
		c.Feedback.DefaultEta = other.Feedback.DefaultEta
	}
	if other.Feedback.WeightFloorEpsilon != 0 {
		c.Feedback.WeightFloorEpsilon = other.Feedback.WeightFloorEpsilon
	}

	if other.Generator.Endpoint != "" {
		c.Generator.Endpoint = other.Generator.Endpoint
	}
	if other.Generator.Timeout != 0 {
		c.Generator.Timeout = other.Generator.Timeout
	}
	if len(other.Generator.Engines) > 0 {
		c.Generator.Engines = other.Generator.Engines
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
	if other.Logging.WriteStderr {
		c.Logging.WriteStderr = other.Logging.WriteStderr
	}

	if len(other.Embedders) > 0 {
		c.Embedders = other.Embedders
	}
}

// applyEnvOverrides applies NEEDLE_* environment variable overrides, the
// highest-precedence config source.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NEEDLE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NEEDLE_NUM_WATCHER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Directories.NumWatcherWorkers = n
		}
	}
	if v := os.Getenv("NEEDLE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Directories.BatchSize = n
		}
	}
	if v := os.Getenv("NEEDLE_RECURSIVE_INDEXING"); v != "" {
		c.Directories.Recursive = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("NEEDLE_CONSISTENCY_CHECK_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reconciler.IntervalSeconds = n
		}
	}
	if v := os.Getenv("NEEDLE_NUM_IMAGES_TO_RETRIEVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.NumImagesToRetrieve = n
		}
	}
	if v := os.Getenv("NEEDLE_NUM_ENGINES_TO_USE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.NumEnginesToUse = n
		}
	}
	if v := os.Getenv("NEEDLE_DEFAULT_ETA"); v != "" {
		if f, err := parseFloat64(v); err == nil && f > 0 {
			c.Feedback.DefaultEta = f
		}
	}
	if v := os.Getenv("NEEDLE_GENERATOR_ENDPOINT"); v != "" {
		c.Generator.Endpoint = v
	}
	if v := os.Getenv("NEEDLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// parseFloat64 parses a string to float64, used for config parsing.
func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// FindProjectRoot finds the project root directory, walking up the tree
// looking for a .git directory or a .needle.yaml/.yml file.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}

		if fileExists(filepath.Join(currentDir, ".needle.yaml")) ||
			fileExists(filepath.Join(currentDir, ".needle.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Validate validates the configuration and returns an error describing the
// first invalid field.
func (c *Config) Validate() error {
	if c.Directories.NumWatcherWorkers <= 0 {
		return fmt.Errorf("directories.num_watcher_workers must be positive, got %d", c.Directories.NumWatcherWorkers)
	}
	if c.Directories.BatchSize <= 0 {
		return fmt.Errorf("directories.batch_size must be positive, got %d", c.Directories.BatchSize)
	}
	if c.Index.M <= 0 {
		return fmt.Errorf("index.m must be positive, got %d", c.Index.M)
	}
	if c.Index.EfConstruction <= 0 {
		return fmt.Errorf("index.ef_construction must be positive, got %d", c.Index.EfConstruction)
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		return fmt.Errorf("reconciler.consistency_check_interval_s must be positive, got %d", c.Reconciler.IntervalSeconds)
	}
	if c.Retrieval.NumImagesToRetrieve <= 0 {
		return fmt.Errorf("retrieval.num_images_to_retrieve must be positive, got %d", c.Retrieval.NumImagesToRetrieve)
	}
	if c.Retrieval.NumImagesToGenerate <= 0 {
		return fmt.Errorf("retrieval.num_images_to_generate must be positive, got %d", c.Retrieval.NumImagesToGenerate)
	}
	if c.Retrieval.NumEnginesToUse <= 0 {
		return fmt.Errorf("retrieval.num_engines_to_use must be positive, got %d", c.Retrieval.NumEnginesToUse)
	}
	if c.Feedback.DefaultEta <= 0 || c.Feedback.DefaultEta > 1 {
		return fmt.Errorf("feedback.default_eta must be in (0, 1], got %f", c.Feedback.DefaultEta)
	}
	if math.IsNaN(c.Feedback.DefaultEta) {
		return fmt.Errorf("feedback.default_eta must not be NaN")
	}
	if c.Feedback.WeightFloorEpsilon <= 0 || c.Feedback.WeightFloorEpsilon >= 1 {
		return fmt.Errorf("feedback.weight_floor_epsilon must be in (0, 1), got %f", c.Feedback.WeightFloorEpsilon)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	if len(c.Embedders) == 0 {
		return fmt.Errorf("at least one embedder must be configured")
	}
	seen := make(map[string]bool, len(c.Embedders))
	for _, e := range c.Embedders {
		if e.Name == "" {
			return fmt.Errorf("embedder entries must have a name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate embedder name %q", e.Name)
		}
		seen[e.Name] = true
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultWorkerCount returns a worker-pool size hint based on the host's CPU
// count, used by callers that want to scale beyond NewConfig's flat default.
func DefaultWorkerCount() int {
	return runtime.NumCPU()
}
