package cli

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/contact-order/internal/contactorder"
	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/internal/scheduler"
)

// DefaultConfigPath is used when --config is not given. Unlike an explicit
// path it may be missing.
const DefaultConfigPath = "configs/default.yaml"

// envPrefix prefixes every variable read by applyEnv except SCRATCH
const envPrefix = "CONTACT_ORDER_"

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	DistanceCutoff        float64       `yaml:"distance_cutoff"`
	NumCheckpoints        int           `yaml:"num_checkpoints"`
	CheckpointSize        int           `yaml:"checkpoint_size"`
	MaxParallelWorkers    int           `yaml:"max_parallel_workers"`
	TaskTimeout           time.Duration `yaml:"task_timeout"`
	InputDirectory        string        `yaml:"input_directory"`
	InputSuffix           string        `yaml:"input_suffix"`
	ManifestPath          string        `yaml:"manifest_path"`
	OutputResultsPath     string        `yaml:"output_results_path"`
	OutputLogPath         string        `yaml:"output_log_path"`
	MarkerPath            string        `yaml:"marker_path"`
	TempDownloadDirectory string        `yaml:"temp_download_directory"`

	Storage fetch.StoreConfig `yaml:"storage"`

	Remote struct {
		Workers   []string `yaml:"workers"`
		Listen    string   `yaml:"listen"`
		CacheSize int      `yaml:"cache_size"`
	} `yaml:"remote"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Bench struct {
		Workers  []int  `yaml:"workers"`
		Limit    int    `yaml:"limit"`
		Interval int    `yaml:"interval"`
		OutDir   string `yaml:"out_dir"`
	} `yaml:"bench"`
}

// defaultConfig returns the built-in defaults. Paths are resolved later by
// finalize so that SCRATCH can fill them.
func defaultConfig() *Config {
	cfg := &Config{
		DistanceCutoff:        contactorder.DefaultCutoff,
		NumCheckpoints:        scheduler.DefaultNumCheckpoints,
		MaxParallelWorkers:    16,
		InputSuffix:           scheduler.DefaultSuffix,
		TempDownloadDirectory: "./tmp",
	}
	cfg.Storage.Scheme = fetch.DefaultScheme
	cfg.Storage.UseSSL = true
	cfg.Remote.Listen = ":50051"
	cfg.Remote.CacheSize = 4096
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Bench.Workers = []int{1, 2, 4, 8, 10, 12, 14, 18, 24, 32}
	cfg.Bench.Limit = 1000
	cfg.Bench.Interval = 100
	cfg.Bench.OutDir = "./bench"
	return cfg
}

// loadConfig reads a YAML file on top of the defaults
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// loadSettings resolves the configuration: defaults, YAML file, .env file,
// environment. Flags are applied by the caller, then finalize.
func loadSettings(path string, explicit bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		loaded, err := loadConfig(path)
		switch {
		case err == nil:
			cfg = loaded
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from the environment. SCRATCH only fills
// paths that are still empty.
func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) string {
		return strings.TrimSpace(getenv(envPrefix + key))
	}

	if v := env("STORAGE_SCHEME"); v != "" {
		cfg.Storage.Scheme = v
	}
	if v := env("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := env("STORAGE_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := env("STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := env("STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := env("STORAGE_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTORAGE_USE_SSL: %w", envPrefix, err)
		}
		cfg.Storage.UseSSL = b
	}
	if v := env("REMOTE_WORKERS"); v != "" {
		cfg.Remote.Workers = splitList(v)
	}
	if v := env("MAX_PARALLEL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_PARALLEL_WORKERS: %w", envPrefix, err)
		}
		cfg.MaxParallelWorkers = n
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if scratch := strings.TrimSpace(getenv("SCRATCH")); scratch != "" {
		root := filepath.Join(scratch, "lsc_data")
		fillEmpty(&cfg.InputDirectory, filepath.Join(root, "data"))
		fillEmpty(&cfg.ManifestPath, filepath.Join(root, "manifest.txt"))
		fillEmpty(&cfg.OutputResultsPath, filepath.Join(root, "contact_order_results.csv"))
		fillEmpty(&cfg.OutputLogPath, filepath.Join(root, "logs.csv"))
	}
	return nil
}

// finalize fills the remaining path defaults and validates the result
func (c *Config) finalize() error {
	fillEmpty(&c.InputDirectory, "./data")
	fillEmpty(&c.ManifestPath, "./manifest.txt")
	fillEmpty(&c.OutputResultsPath, "contact_order_results.csv")
	fillEmpty(&c.OutputLogPath, "logs.csv")
	fillEmpty(&c.MarkerPath, c.OutputResultsPath+".progress.json")
	fillEmpty(&c.TempDownloadDirectory, "./tmp")
	fillEmpty(&c.InputSuffix, scheduler.DefaultSuffix)
	fillEmpty(&c.Storage.Scheme, fetch.DefaultScheme)
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if math.IsNaN(c.DistanceCutoff) || c.DistanceCutoff <= 0 {
		errs = append(errs, fmt.Errorf("distance_cutoff must be positive, got %v", c.DistanceCutoff))
	}
	if c.NumCheckpoints <= 0 && c.CheckpointSize <= 0 {
		errs = append(errs, errors.New("num_checkpoints or checkpoint_size must be positive"))
	}
	if c.CheckpointSize < 0 {
		errs = append(errs, errors.New("checkpoint_size must not be negative"))
	}
	if c.MaxParallelWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_parallel_workers must be positive, got %d", c.MaxParallelWorkers))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, errors.New("task_timeout must not be negative"))
	}
	if c.OutputResultsPath == c.OutputLogPath {
		errs = append(errs, errors.New("output_results_path and output_log_path must differ"))
	}
	return errors.Join(errs...)
}

func fillEmpty(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
