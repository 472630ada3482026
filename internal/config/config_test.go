package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8888" {
		t.Errorf("Expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardscan.yaml")
	data := `
server:
  addr: ":9000"
capture:
  probe_interval: 250ms
  auto_pause_on_hit: true
quality:
  min_quality_commit: 0.6
pricing:
  target_currency: USD
  rates:
    USD: 1
    EUR: 1.08
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Expected :9000, got %s", cfg.Server.Addr)
	}
	if cfg.Capture.ProbeInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %s", cfg.Capture.ProbeInterval)
	}
	if !cfg.Capture.AutoPauseOnHit {
		t.Error("Expected auto pause on hit")
	}
	if cfg.Quality.MinCommit != 0.6 {
		t.Errorf("Expected 0.6, got %v", cfg.Quality.MinCommit)
	}
	// untouched fields keep their defaults
	if cfg.Quality.MinProbeWarn != 0.35 {
		t.Errorf("Expected default warn threshold, got %v", cfg.Quality.MinProbeWarn)
	}
	if cfg.Pricing.Rates["EUR"] != 1.08 {
		t.Errorf("Expected EUR rate 1.08, got %v", cfg.Pricing.Rates["EUR"])
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CARDSCAN_ADDR", ":7000")
	t.Setenv("CARDSCAN_DUPLICATE_THRESHOLD", "4")
	t.Setenv("CARD_API_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("Expected :7000, got %s", cfg.Server.Addr)
	}
	if cfg.Fingerprint.DuplicateThreshold != 4 {
		t.Errorf("Expected threshold 4, got %d", cfg.Fingerprint.DuplicateThreshold)
	}
	if cfg.Identify.RemoteAPIKey != "secret" {
		t.Errorf("Expected API key from environment")
	}

	t.Setenv("CARDSCAN_MIN_QUALITY_COMMIT", "high")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for malformed threshold")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Quality.MinCommit = 0.3
	cfg.Quality.MinProbeWarn = 0.5
	cfg.Pricing.Multiplier = 0
	cfg.Server.MaxImagePixels = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"min_quality_probe_warn", "pricing.multiplier", "server.max_image_pixels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got %v", want, err)
		}
	}
}
