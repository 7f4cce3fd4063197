package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/ensemble/internal/agent"
)

// Config holds all ensemble server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string        `json:"db_path"`
	LogLevel         string        `json:"log_level"`
	Workers          int           `json:"workers"`
	NodeTimeout      duration      `json:"node_timeout"`
	SynthesisTimeout duration      `json:"synthesis_timeout"`
	ResultTTL        duration      `json:"result_ttl"`
	DurableResults   bool          `json:"durable_results"`
	Scheduler        bool          `json:"scheduler"`
	VaultPassphrase  string        `json:"vault_passphrase"`
	VaultSalt        string        `json:"vault_salt"`
	OpenAI           OpenAISection `json:"openai"`
}

// OpenAISection configures the LLM invoker. The API key itself comes
// from the OPENAI_API_KEY env var or the secrets vault, never from
// settings.json.
type OpenAISection struct {
	BaseURL      string                      `json:"base_url"`
	DefaultModel string                      `json:"default_model"`
	MaxRetries   int                         `json:"max_retries"`
	Capabilities map[string]agent.Capability `json:"capabilities"`
}

// duration is a time.Duration that unmarshals from a Go duration string.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(ensembleDir(), "ensemble.db"),
		LogLevel:         "info",
		Workers:          8,
		NodeTimeout:      duration(2 * time.Minute),
		SynthesisTimeout: duration(5 * time.Minute),
		ResultTTL:        duration(6 * time.Hour),
		Scheduler:        true,
		VaultSalt:        "ensemble-vault-v1",
		OpenAI: OpenAISection{
			DefaultModel: "gpt-4o-mini",
			MaxRetries:   2,
		},
	}
}

func ensembleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ENSEMBLE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENSEMBLE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("ENSEMBLE_NODE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NodeTimeout = duration(d)
		}
	}
	if v := os.Getenv("ENSEMBLE_SYNTHESIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SynthesisTimeout = duration(d)
		}
	}
	if v := os.Getenv("ENSEMBLE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ResultTTL = duration(d)
		}
	}
	if v := os.Getenv("ENSEMBLE_DURABLE_RESULTS"); v != "" {
		cfg.DurableResults = v == "true" || v == "1"
	}
	if v := os.Getenv("ENSEMBLE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("ENSEMBLE_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("ENSEMBLE_OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("ENSEMBLE_DEFAULT_MODEL"); v != "" {
		cfg.OpenAI.DefaultModel = v
	}

	return cfg
}
