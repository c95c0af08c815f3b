// Package config loads the relay's single declarative YAML document
// (spec §6) into a read-only-after-startup Config struct, mirroring the
// teacher's config.Load() shape of a struct-of-structs built once at
// process start.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
	"gopkg.in/yaml.v3"
)

// Completion holds the chat/classification model settings.
type Completion struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// Embedding holds the embedding model setting.
type Embedding struct {
	Model string `yaml:"model"`
}

// Session holds Session Store tunables.
type Session struct {
	RoleTokenBudgets       map[model.Role]uint `yaml:"role_token_budgets"`
	IdleTimeoutHours       int                 `yaml:"idle_timeout_hours"`
	CleanupIntervalSeconds int                 `yaml:"cleanup_interval_seconds"`
	StorageRoot            string              `yaml:"storage_root"`
}

// IdleTimeout returns the configured idle timeout as a duration.
func (s Session) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutHours) * time.Hour
}

// CleanupInterval returns the configured cleanup tick period as a duration.
func (s Session) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// LTM holds Long-Term Memory Store tunables.
type LTM struct {
	StorageRoot    string  `yaml:"storage_root"`
	CollectionName string  `yaml:"collection_name"`
	TopK           int     `yaml:"top_k"`
	MinSimilarity  float64 `yaml:"min_similarity"`
}

// Media holds Document Ingestion tunables.
type Media struct {
	StorageRoot string `yaml:"storage_root"`
	MaxBytes    int64  `yaml:"max_bytes"`
	MaxPDFPages int    `yaml:"max_pdf_pages"`
}

// Principals holds role-assignment configuration.
type Principals struct {
	PrivilegedChatID model.ChatID `yaml:"privileged_chat_id"`
}

// FeatureFlags toggles optional subsystems.
type FeatureFlags struct {
	MemoryEnabled bool `yaml:"memory_enabled"`
}

// Commands holds the literal strings that trigger each command.
type Commands struct {
	Reset    string `yaml:"reset"`
	Remember string `yaml:"remember"`
	Sessions string `yaml:"sessions"`
}

// Prompts holds file paths to prompt templates.
type Prompts struct {
	ImageOCR       string `yaml:"image_ocr"`
	DOCX           string `yaml:"docx"`
	Classification string `yaml:"classification"`
	Extraction     string `yaml:"extraction"`
}

// Config is the top-level configuration document (spec §6).
type Config struct {
	Completion         Completion   `yaml:"completion"`
	Embedding          Embedding    `yaml:"embedding"`
	Session            Session      `yaml:"session"`
	LTM                LTM          `yaml:"ltm"`
	Media              Media        `yaml:"media"`
	Principals         Principals   `yaml:"principals"`
	FeatureFlags       FeatureFlags `yaml:"feature_flags"`
	Commands           Commands     `yaml:"commands"`
	SystemPreamblePath string       `yaml:"system_preamble_path"`
	Prompts            Prompts      `yaml:"prompts"`
}

// Load reads and parses the YAML document at path, applies defaults, and
// validates required fields. Any failure is wrapped in relayerr.ErrConfigInvalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", relayerr.ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", relayerr.ErrConfigInvalid, path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Session.IdleTimeoutHours == 0 {
		cfg.Session.IdleTimeoutHours = 24
	}
	if cfg.Session.CleanupIntervalSeconds == 0 {
		cfg.Session.CleanupIntervalSeconds = 15 * 60
	}
	if cfg.LTM.TopK == 0 {
		cfg.LTM.TopK = 5
	}
	if cfg.Media.MaxBytes == 0 {
		cfg.Media.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.Media.MaxPDFPages == 0 {
		cfg.Media.MaxPDFPages = 10
	}
	if cfg.Commands.Reset == "" {
		cfg.Commands.Reset = "/reset"
	}
	if cfg.Commands.Remember == "" {
		cfg.Commands.Remember = "/remember"
	}
	if cfg.Commands.Sessions == "" {
		cfg.Commands.Sessions = "/sessions"
	}
}

func (cfg *Config) validate() error {
	if cfg.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if cfg.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if _, ok := cfg.Session.RoleTokenBudgets[model.RoleClient]; !ok {
		return fmt.Errorf("session.role_token_budgets missing required key %q", model.RoleClient)
	}
	if _, ok := cfg.Session.RoleTokenBudgets[model.RoleGodfather]; !ok {
		return fmt.Errorf("session.role_token_budgets missing required key %q", model.RoleGodfather)
	}
	if cfg.Session.StorageRoot == "" {
		return fmt.Errorf("session.storage_root is required")
	}
	if cfg.LTM.StorageRoot == "" {
		return fmt.Errorf("ltm.storage_root is required")
	}
	if cfg.Media.StorageRoot == "" {
		return fmt.Errorf("media.storage_root is required")
	}
	return nil
}
