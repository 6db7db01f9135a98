package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/retry"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// ErrInvalid marks configuration errors detected at startup.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	DataDir       string        `yaml:"data_dir"`
	Patterns      []string      `yaml:"patterns"`
	Jurisdictions Jurisdictions `yaml:"jurisdictions"`
	Authority     Authority     `yaml:"authority"`
	Mapping       Mapping       `yaml:"mapping"`
	Ingest        Ingest        `yaml:"ingest"`
	Corpus        Corpus        `yaml:"corpus"`
	Embedding     Embedding     `yaml:"embedding"`
	Retry         Retry         `yaml:"retry"`
	Fetch         Fetch         `yaml:"fetch"`
	Benchmark     Benchmark     `yaml:"benchmark"`
	Reports       Reports       `yaml:"reports"`
	Watch         Watch         `yaml:"watch"`
	Server        Server        `yaml:"server"`
	Logging       Logging       `yaml:"logging"`
}

type Jurisdictions struct {
	ExpectedCounts       map[string]int `yaml:"expected_counts"`
	DefaultExpectedCount int            `yaml:"default_expected_count"`
}

type Authority struct {
	Weights map[string]int `yaml:"weights"`
}

type Mapping struct {
	ContextWindow            int            `yaml:"context_window"`
	FallbackTitleWords       int            `yaml:"fallback_title_words"`
	CriticalKeywords         []string       `yaml:"critical_keywords"`
	ImportantKeywords        []string       `yaml:"important_keywords"`
	PageEstimates            map[string]int `yaml:"page_estimates"`
	DefaultPages             int            `yaml:"default_pages"`
	Workers                  int            `yaml:"workers"`
	HighestAuthorityExamples int            `yaml:"highest_authority_examples"`
}

type Ingest struct {
	Corpus            string   `yaml:"corpus"`
	BatchSize         int      `yaml:"batch_size"`
	ChunkChars        int      `yaml:"chunk_chars"`
	SlowThresholdMS   int      `yaml:"slow_threshold_ms"`
	ValidationLimit   int      `yaml:"validation_limit"`
	ValidationQueries []string `yaml:"validation_queries"`
}

type Corpus struct {
	Backend        string `yaml:"backend"`
	PostgresURLEnv string `yaml:"postgres_url_env"`
}

type Embedding struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	URL        string `yaml:"url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`
}

type Retry struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialBackoffMS  int `yaml:"initial_backoff_ms"`
	MaxBackoffMS      int `yaml:"max_backoff_ms"`
	MaxElapsedSeconds int `yaml:"max_elapsed_seconds"`
}

type Fetch struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Limit          int `yaml:"limit"`
}

type Benchmark struct {
	Baseline    string   `yaml:"baseline"`
	Candidate   string   `yaml:"candidate"`
	Iterations  int      `yaml:"iterations"`
	Parallelism int      `yaml:"parallelism"`
	Limit       int      `yaml:"limit"`
	Queries     []string `yaml:"queries"`
}

type Reports struct {
	Dir      string `yaml:"dir"`
	Storage  string `yaml:"storage"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

type Watch struct {
	DaysBack int    `yaml:"days_back"`
	Feeds    []Feed `yaml:"feeds"`
}

type Feed struct {
	URL          string `yaml:"url"`
	Name         string `yaml:"name"`
	Jurisdiction string `yaml:"jurisdiction"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for qapintel.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "qapintel")
}

// DataDir returns the XDG data directory for qapintel.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "qapintel")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/qapintel/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'qapintel init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Jurisdictions: Jurisdictions{DefaultExpectedCount: 20},
		Mapping: Mapping{
			ContextWindow:            200,
			FallbackTitleWords:       4,
			DefaultPages:             20,
			Workers:                  4,
			HighestAuthorityExamples: 5,
		},
		Ingest: Ingest{
			Corpus:          "qap_enriched",
			BatchSize:       32,
			ChunkChars:      1500,
			SlowThresholdMS: 1000,
			ValidationLimit: 10,
		},
		Corpus: Corpus{Backend: "sqlite", PostgresURLEnv: "DATABASE_URL"},
		Embedding: Embedding{
			Provider:   "hash",
			URL:        "http://localhost:11434",
			APIKeyEnv:  "GEMINI_API_KEY",
			Dimensions: 256,
			CacheSize:  4096,
		},
		Retry: Retry{
			MaxAttempts:       3,
			InitialBackoffMS:  500,
			MaxBackoffMS:      5000,
			MaxElapsedSeconds: 30,
		},
		Fetch: Fetch{TimeoutSeconds: 20, Limit: 50},
		Benchmark: Benchmark{
			Baseline:   "qap_baseline",
			Candidate:  "qap_enriched",
			Iterations: 3,
			Limit:      20,
		},
		Reports: Reports{Storage: "local", Region: "us-east-1"},
		Watch:   Watch{DaysBack: 14},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings that would otherwise fail mid-run. hasPatterns
// reports whether the citation registry covers a jurisdiction code; nil skips
// that check.
func (c *Config) Validate(hasPatterns func(code string) bool) error {
	var problems []string

	if hasPatterns != nil {
		codes := make([]string, 0, len(c.Jurisdictions.ExpectedCounts))
		for code := range c.Jurisdictions.ExpectedCounts {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			if !hasPatterns(code) {
				problems = append(problems, fmt.Sprintf("jurisdiction %s has an expected count but no pattern table", code))
			}
		}
	}
	if _, err := c.AuthorityModel(); err != nil {
		problems = append(problems, err.Error())
	}
	for name := range c.Mapping.PageEstimates {
		if !legal.Category(name).Valid() {
			problems = append(problems, fmt.Sprintf("page estimate for unknown category %q", name))
		}
	}
	if c.Ingest.BatchSize <= 0 {
		problems = append(problems, "ingest.batch_size must be positive")
	}
	if c.Benchmark.Iterations <= 0 {
		problems = append(problems, "benchmark.iterations must be positive")
	}
	switch c.Corpus.Backend {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unknown corpus backend %q", c.Corpus.Backend))
	}
	switch c.Reports.Storage {
	case "local", "":
	case "s3":
		if c.Reports.Bucket == "" {
			problems = append(problems, "reports.bucket is required for s3 storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown report storage %q", c.Reports.Storage))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalid, strings.Join(problems, "\n  "))
	}
	return nil
}

// AuthorityModel builds the authority model with configured overrides.
func (c *Config) AuthorityModel() (*legal.AuthorityModel, error) {
	overrides := make(map[legal.Category]int, len(c.Authority.Weights))
	for name, w := range c.Authority.Weights {
		overrides[legal.Category(name)] = w
	}
	return legal.NewAuthorityModel(overrides)
}

// MapperConfig converts the mapping settings. Unset values fall back to the
// mapper's own defaults.
func (c *Config) MapperConfig() universe.Config {
	var pages map[legal.Category]int
	if len(c.Mapping.PageEstimates) > 0 {
		pages = make(map[legal.Category]int, len(c.Mapping.PageEstimates))
		for name, n := range c.Mapping.PageEstimates {
			pages[legal.Category(name)] = n
		}
	}
	var expected map[string]int
	if len(c.Jurisdictions.ExpectedCounts) > 0 {
		expected = c.Jurisdictions.ExpectedCounts
	}
	return universe.Config{
		ExpectedCounts:     expected,
		DefaultExpected:    c.Jurisdictions.DefaultExpectedCount,
		CriticalKeywords:   c.Mapping.CriticalKeywords,
		ImportantKeywords:  c.Mapping.ImportantKeywords,
		ContextWindow:      c.Mapping.ContextWindow,
		FallbackTitleWords: c.Mapping.FallbackTitleWords,
		PageEstimates:      pages,
		DefaultPages:       c.Mapping.DefaultPages,
	}
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: time.Duration(c.Retry.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
		MaxElapsed:     time.Duration(c.Retry.MaxElapsedSeconds) * time.Second,
	}
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "qapintel.db")
}

// ReportsDir returns the local report directory.
func (c *Config) ReportsDir() string {
	if c.Reports.Dir != "" {
		return c.Reports.Dir
	}
	return filepath.Join(c.GetDataDir(), "reports")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
