package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given
const DefaultPath = "cardscan.yaml"

// Config is the complete scanner configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Capture     CaptureConfig     `yaml:"capture"`
	Quality     QualityConfig     `yaml:"quality"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Identify    IdentifyConfig    `yaml:"identify"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Provider    ProviderConfig    `yaml:"provider"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxImageSize   int64  `yaml:"max_image_size"`
	MaxImagePixels int    `yaml:"max_image_pixels"`
}

type StorageConfig struct {
	DBPath    string `yaml:"db_path"`
	ImagesDir string `yaml:"images_dir"`
}

// CaptureConfig drives the client-side capture loop
type CaptureConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CommitTimeout    time.Duration `yaml:"commit_timeout"`
	StabilityEpsilon float64       `yaml:"stability_epsilon"`
	MaxProbeFailures int           `yaml:"max_probe_failures"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	AutoPauseOnHit   bool          `yaml:"auto_pause_on_hit"`
	CameraLockDir    string        `yaml:"camera_lock_dir"`
}

// QualityConfig holds the thresholds handed to capture clients at session start
type QualityConfig struct {
	MinCommit    float64 `yaml:"min_quality_commit"`
	MinProbeWarn float64 `yaml:"min_quality_probe_warn"`
}

type FingerprintConfig struct {
	DuplicateThreshold int `yaml:"duplicate_threshold"`
	TileThreshold      int `yaml:"tile_threshold"`
}

type IdentifyConfig struct {
	CatalogPath   string        `yaml:"catalog_path"`
	MinLocalScore float64       `yaml:"min_local_score"`
	MaxCandidates int           `yaml:"max_candidates"`
	RemoteURL     string        `yaml:"remote_url"`
	RemoteAPIKey  string        `yaml:"-"`
	RemoteRate    float64       `yaml:"remote_rate"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type PricingConfig struct {
	TargetCurrency     string             `yaml:"target_currency"`
	Rates              map[string]float64 `yaml:"rates"`
	Multiplier         float64            `yaml:"multiplier"`
	VariantMultipliers map[string]float64 `yaml:"variant_multipliers"`
}

type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns a configuration with every value set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8888",
			MaxImageSize:   10 * 1024 * 1024,
			MaxImagePixels: 40_000_000,
		},
		Storage: StorageConfig{
			DBPath:    "cardscan.db",
			ImagesDir: "scans",
		},
		Capture: CaptureConfig{
			ProbeInterval:    350 * time.Millisecond,
			ProbeTimeout:     2 * time.Second,
			CommitTimeout:    20 * time.Second,
			StabilityEpsilon: 0.02,
			MaxProbeFailures: 5,
			MaxBackoff:       5 * time.Second,
			CameraLockDir:    os.TempDir(),
		},
		Quality: QualityConfig{
			MinCommit:    0.55,
			MinProbeWarn: 0.35,
		},
		Fingerprint: FingerprintConfig{
			DuplicateThreshold: 6,
			TileThreshold:      10,
		},
		Identify: IdentifyConfig{
			MinLocalScore: 0.75,
			MaxCandidates: 5,
			RemoteURL:     "https://api.pokemontcg.io",
			RemoteRate:    2,
			CacheTTL:      30 * time.Minute,
		},
		Pricing: PricingConfig{
			TargetCurrency: "EUR",
			Rates: map[string]float64{
				"EUR": 1.0,
				"USD": 0.92,
			},
			Multiplier: 1.15,
			VariantMultipliers: map[string]float64{
				"holofoil":         3.0,
				"reverse_holofoil": 2.0,
			},
		},
		Provider: ProviderConfig{
			Name:        "ollama",
			Temperature: 0.0,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CARDSCAN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CARDSCAN_DB"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("CARDSCAN_IMAGES_DIR"); v != "" {
		c.Storage.ImagesDir = v
	}
	if v := os.Getenv("CARDSCAN_CATALOG"); v != "" {
		c.Identify.CatalogPath = v
	}
	if v := os.Getenv("CARDSCAN_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("CARDSCAN_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("CARD_API_URL"); v != "" {
		c.Identify.RemoteURL = v
	}
	c.Identify.RemoteAPIKey = os.Getenv("CARD_API_KEY")

	if v := os.Getenv("CARDSCAN_MIN_QUALITY_COMMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CARDSCAN_MIN_QUALITY_COMMIT %q: %w", v, err)
		}
		c.Quality.MinCommit = f
	}
	if v := os.Getenv("CARDSCAN_DUPLICATE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CARDSCAN_DUPLICATE_THRESHOLD %q: %w", v, err)
		}
		c.Fingerprint.DuplicateThreshold = n
	}
	return nil
}

// Validate checks ranges and orderings that the pipeline relies on
func (c *Config) Validate() error {
	var errs []error

	if c.Quality.MinCommit < 0 || c.Quality.MinCommit > 1 {
		errs = append(errs, fmt.Errorf("quality.min_quality_commit must be in [0,1], got %v", c.Quality.MinCommit))
	}
	if c.Quality.MinProbeWarn < 0 || c.Quality.MinProbeWarn > c.Quality.MinCommit {
		errs = append(errs, fmt.Errorf("quality.min_quality_probe_warn must be in [0,min_quality_commit], got %v", c.Quality.MinProbeWarn))
	}
	if c.Capture.StabilityEpsilon <= 0 || c.Capture.StabilityEpsilon >= 1 {
		errs = append(errs, fmt.Errorf("capture.stability_epsilon must be in (0,1), got %v", c.Capture.StabilityEpsilon))
	}
	if c.Capture.ProbeInterval <= 0 {
		errs = append(errs, errors.New("capture.probe_interval must be positive"))
	}
	if c.Fingerprint.DuplicateThreshold < 0 || c.Fingerprint.DuplicateThreshold > 64 {
		errs = append(errs, fmt.Errorf("fingerprint.duplicate_threshold must be in [0,64], got %d", c.Fingerprint.DuplicateThreshold))
	}
	if c.Server.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("server.max_image_pixels must be positive, got %d", c.Server.MaxImagePixels))
	}
	if c.Pricing.Multiplier <= 0 {
		errs = append(errs, fmt.Errorf("pricing.multiplier must be positive, got %v", c.Pricing.Multiplier))
	}
	if c.Pricing.TargetCurrency == "" {
		errs = append(errs, errors.New("pricing.target_currency is required"))
	}
	for currency, rate := range c.Pricing.Rates {
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("pricing.rates[%s] must be positive, got %v", currency, rate))
		}
	}
	if c.Identify.MaxCandidates <= 0 {
		errs = append(errs, errors.New("identify.max_candidates must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
