package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if cfg.Jurisdictions.ExpectedCounts["CA"] != 30 {
		t.Errorf("expected CA count 30, got %d", cfg.Jurisdictions.ExpectedCounts["CA"])
	}
	if cfg.Ingest.BatchSize != 32 {
		t.Errorf("expected batch size 32, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Benchmark.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", cfg.Benchmark.Iterations)
	}
	if len(cfg.Watch.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
	if err := cfg.Validate(nil); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
embedding:
  provider: ollama
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.Embedding.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Embedding.URL != "http://localhost:11434" {
		t.Errorf("expected default url, got %q", cfg.Embedding.URL)
	}
	if cfg.Ingest.BatchSize != 32 {
		t.Errorf("expected default batch size, got %d", cfg.Ingest.BatchSize)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Benchmark.Queries) == 0 {
		t.Error("expected benchmark queries to be populated from file")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if _, err := ResolveConfigPath(path); err == nil {
		t.Error("expected error for missing explicit config")
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConfigPath(path)
	if err != nil || got != path {
		t.Errorf("expected %s, got %s (%v)", path, got, err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Jurisdictions.ExpectedCounts["ZZ"] = 10
	cfg.Ingest.BatchSize = 0
	cfg.Authority.Weights = map[string]int{"state_statute": 90}
	cfg.Reports.Storage = "s3"

	err := cfg.Validate(func(code string) bool { return code != "ZZ" })
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{
		"jurisdiction ZZ has an expected count but no pattern table",
		"batch_size",
		"invalid authority configuration",
		"reports.bucket",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidateUnknownPageCategory(t *testing.T) {
	cfg := Default()
	cfg.Mapping.PageEstimates["treaty"] = 10
	if err := cfg.Validate(nil); err == nil {
		t.Error("expected error for unknown page estimate category")
	}
}

func TestAuthorityOverrides(t *testing.T) {
	cfg := Default()
	cfg.Authority.Weights = map[string]int{"executive_order": 70}
	m, err := cfg.AuthorityModel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.WeightFor(legal.ExecutiveOrder) != 70 {
		t.Errorf("expected 70, got %d", m.WeightFor(legal.ExecutiveOrder))
	}
}

func TestMapperConfig(t *testing.T) {
	mc := Default().MapperConfig()
	if mc.ExpectedCounts["FL"] != 25 || mc.DefaultExpected != 20 {
		t.Errorf("unexpected expected counts: %v / %d", mc.ExpectedCounts, mc.DefaultExpected)
	}
	if mc.PageEstimates[legal.StateAdminCode] != 50 {
		t.Errorf("expected 50 pages for state admin code, got %d", mc.PageEstimates[legal.StateAdminCode])
	}

	empty := (&Config{}).MapperConfig()
	if empty.ExpectedCounts != nil || empty.PageEstimates != nil {
		t.Error("expected nil maps so mapper defaults apply")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := Default().RetryPolicy()
	if p.MaxAttempts != 3 || p.InitialBackoff != 500*time.Millisecond || p.MaxElapsed != 30*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "qapintel.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
	if cfg.ReportsDir() != filepath.Join("/custom/path", "reports") {
		t.Errorf("unexpected reports dir %q", cfg.ReportsDir())
	}
}
