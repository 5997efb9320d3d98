// Package config provides configuration for the stitch server and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration. Values come from an optional YAML
// file, overridden by environment variables.
type Config struct {
	// Listen is the address the session server listens on.
	Listen string `yaml:"listen"`
	// DataDir is the directory holding the document database.
	DataDir string `yaml:"data_dir"`
	// Model is the chat model used for edit proposals.
	Model string `yaml:"model"`
	// MatchThreshold tunes how dissimilar a fuzzy block location may be
	// before it is rejected (0 exact .. 1 anything).
	MatchThreshold float64 `yaml:"match_threshold"`
	// MatchDistance tunes how far a fuzzy location may drift from the
	// forward cursor before its score suffers.
	MatchDistance int `yaml:"match_distance"`
	// APIBase overrides the chat API endpoint (any OpenAI-compatible server).
	APIBase string `yaml:"api_base"`
	// APIKey authenticates against the chat API. Env only; never stored in
	// the config file.
	APIKey string `yaml:"-"`
	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:         ":7464",
		DataDir:        "./data",
		Model:          "gpt-4o-mini",
		MatchThreshold: 0.5,
		MatchDistance:  1000,
	}
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Listen = getEnv("STITCH_LISTEN", cfg.Listen)
	cfg.DataDir = getEnv("STITCH_DATA", cfg.DataDir)
	cfg.Model = getEnv("STITCH_MODEL", cfg.Model)
	cfg.APIBase = getEnv("STITCH_API_BASE", cfg.APIBase)
	cfg.APIKey = getEnv("OPENAI_API_KEY", cfg.APIKey)
	if v := os.Getenv("STITCH_MATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing STITCH_MATCH_THRESHOLD: %w", err)
		}
		cfg.MatchThreshold = f
	}
	if v := os.Getenv("STITCH_MATCH_DISTANCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing STITCH_MATCH_DISTANCE: %w", err)
		}
		cfg.MatchDistance = n
	}
	if os.Getenv("STITCH_DEBUG") == "1" {
		cfg.Debug = true
	}
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold > 1 {
		return nil, fmt.Errorf("match_threshold %v out of range [0,1]", cfg.MatchThreshold)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
