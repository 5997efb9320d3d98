package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen == "" || cfg.DataDir == "" || cfg.Model == "" {
		t.Fatalf("incomplete defaults: %+v", cfg)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stitch.yaml")
	body := "listen: \":9999\"\nmodel: test-model\ndebug: true\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9999" || cfg.Model != "test-model" || !cfg.Debug {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.DataDir != "./data" {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stitch.yaml")
	if err := os.WriteFile(path, []byte("model: from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STITCH_MODEL", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "from-env" {
		t.Fatalf("model = %q", cfg.Model)
	}
}

func TestMatchTuning(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchThreshold != 0.5 || cfg.MatchDistance != 1000 {
		t.Fatalf("default tuning = %v/%d", cfg.MatchThreshold, cfg.MatchDistance)
	}

	t.Setenv("STITCH_MATCH_THRESHOLD", "0.8")
	t.Setenv("STITCH_MATCH_DISTANCE", "250")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchThreshold != 0.8 || cfg.MatchDistance != 250 {
		t.Fatalf("tuning = %v/%d", cfg.MatchThreshold, cfg.MatchDistance)
	}

	t.Setenv("STITCH_MATCH_THRESHOLD", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
