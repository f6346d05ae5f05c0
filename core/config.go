package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultNegativePrompt is applied when the operator leaves the negative prompt empty.
const DefaultNegativePrompt = "low quality, bad anatomy, blurry"

// Config holds all configuration settings for PicGo.
type Config struct {
	// Storage locations
	ModelDir        string // Directory the checkpoint file dialog opens in
	CacheDir        string // Downloaded repair components and registry snapshots
	DiagnosticsFile string // Plain-text record of generation failures
	LogFile         string
	HistoryDB       string

	// Runtime behavior
	Device         string // auto, cpu or gpu
	NegativePrompt string
	PreviewSize    int
	LowVRAMGB      int // Accelerators with less VRAM than this are memory-constrained
	QueueSize      int // Pending tasks the orchestrator accepts while busy

	// Model registry
	HFToken    string
	HFEndpoint string

	// RepairSources overrides the built-in canonical component sources, keyed by family.
	RepairSources map[string]RepairSource

	MetricsAddr string // Empty disables the metrics endpoint
	DevMode     bool
}

// RepairSource names a pinned registry snapshot that missing checkpoint
// components are fetched from. File names may contain "{variant}", which is
// replaced with ".fp16" on accelerators and removed on CPU.
type RepairSource struct {
	Repo       string              `yaml:"repo"`
	Revision   string              `yaml:"revision"`
	Components map[string][]string `yaml:"components"`
}

// repairCatalogFile is the on-disk shape of the PICGO_CONFIG file.
type repairCatalogFile struct {
	RepairSources map[string]RepairSource `yaml:"repair_sources"`
}

// ExecutableDir returns the directory holding the running binary, or "." when
// it cannot be determined.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// LoadConfig loads configuration from a .env file (when present), the process
// environment and the optional YAML file named by PICGO_CONFIG.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	modelDir := GetEnvOrDefault("PICGO_MODEL_DIR", filepath.Join(ExecutableDir(), "model"))

	cfg := &Config{
		ModelDir:        modelDir,
		CacheDir:        GetEnvOrDefault("PICGO_CACHE_DIR", filepath.Join(modelDir, "cache")),
		DiagnosticsFile: GetEnvOrDefault("PICGO_DIAGNOSTICS_FILE", "picgo_error.log"),
		LogFile:         GetEnvOrDefault("PICGO_LOG_FILE", "picgo.log"),
		HistoryDB:       GetEnvOrDefault("PICGO_HISTORY_DB", "picgo.db"),

		Device:         strings.ToLower(GetEnvOrDefault("PICGO_DEVICE", "auto")),
		NegativePrompt: GetEnvOrDefault("PICGO_NEGATIVE_PROMPT", DefaultNegativePrompt),
		PreviewSize:    ParseIntEnv("PICGO_PREVIEW_SIZE", 512),
		LowVRAMGB:      ParseIntEnv("PICGO_LOW_VRAM_GB", 8),
		QueueSize:      ParseIntEnv("PICGO_QUEUE_SIZE", 4),

		HFToken:    os.Getenv("HF_TOKEN"),
		HFEndpoint: strings.TrimRight(GetEnvOrDefault("PICGO_HF_ENDPOINT", "https://huggingface.co"), "/"),

		MetricsAddr: os.Getenv("PICGO_METRICS_ADDR"),
		DevMode:     ParseBoolEnv("DEV_MODE", false),
	}

	if path := os.Getenv("PICGO_CONFIG"); path != "" {
		sources, err := LoadRepairSources(path)
		if err != nil {
			return nil, err
		}
		cfg.RepairSources = sources
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRepairSources reads the repair_sources section of a YAML file.
func LoadRepairSources(path string) (map[string]RepairSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrRepairCatalog(path, err)
	}

	var file repairCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, ErrRepairCatalog(path, err)
	}

	for family, src := range file.RepairSources {
		if src.Repo == "" {
			return nil, ErrRepairCatalog(path, fmt.Errorf("family %q has no repo", family))
		}
	}
	return file.RepairSources, nil
}

// Validate checks value ranges. It does not touch the filesystem.
func (c *Config) Validate() error {
	switch c.Device {
	case "auto", "cpu", "gpu":
	default:
		return ErrInvalidDevice(c.Device)
	}
	if c.PreviewSize < 64 || c.PreviewSize > 2048 {
		return ErrInvalidValue("PICGO_PREVIEW_SIZE", fmt.Sprint(c.PreviewSize), "a size between 64 and 2048")
	}
	if c.LowVRAMGB < 0 {
		return ErrInvalidValue("PICGO_LOW_VRAM_GB", fmt.Sprint(c.LowVRAMGB), "zero or a positive number of GiB")
	}
	if c.QueueSize < 1 {
		return ErrInvalidValue("PICGO_QUEUE_SIZE", fmt.Sprint(c.QueueSize), "at least 1")
	}
	if !strings.HasPrefix(c.HFEndpoint, "http://") && !strings.HasPrefix(c.HFEndpoint, "https://") {
		return ErrInvalidValue("PICGO_HF_ENDPOINT", c.HFEndpoint, "an http(s) URL")
	}
	return nil
}

// EnsureDirectories creates the model and cache directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.ModelDir, c.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ErrDirectoryAccess(dir, err)
		}
	}
	return nil
}

// LowVRAMBytes returns the memory-constrained threshold in bytes.
func (c *Config) LowVRAMBytes() uint64 {
	return uint64(c.LowVRAMGB) << 30
}

// EffectiveNegativePrompt returns negative, or the configured default when it is blank.
func (c *Config) EffectiveNegativePrompt(negative string) string {
	if strings.TrimSpace(negative) != "" {
		return negative
	}
	return c.NegativePrompt
}
