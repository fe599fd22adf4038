package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":        {"elevenlabs", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Cache thresholds
	if t := cfg.Cache.ReuseThreshold; t != 0 && (t <= 0 || t > 1) {
		errs = append(errs, fmt.Errorf("cache.reuse_threshold %.3f is out of range (0, 1]", t))
	}
	if t := cfg.Cache.MergeThreshold; t != 0 && (t <= 0 || t > 1) {
		errs = append(errs, fmt.Errorf("cache.merge_threshold %.3f is out of range (0, 1]", t))
	}
	if r, m := cfg.Cache.ReuseThreshold, cfg.Cache.MergeThreshold; r != 0 && m != 0 && m < r {
		slog.Warn("cache.merge_threshold is below cache.reuse_threshold; the optimizer will merge segments the lookup path would not have reused",
			"reuse", r,
			"merge", m,
		)
	}
	if cfg.Cache.RepairBatchSize < 0 {
		errs = append(errs, fmt.Errorf("cache.repair_batch_size %d must not be negative", cfg.Cache.RepairBatchSize))
	}
	if cfg.Cache.RepairBatchDelay < 0 {
		errs = append(errs, fmt.Errorf("cache.repair_batch_delay %v must not be negative", cfg.Cache.RepairBatchDelay))
	}
	if cfg.Cache.PipelineConcurrency < 0 {
		errs = append(errs, fmt.Errorf("cache.pipeline_concurrency %d must not be negative", cfg.Cache.PipelineConcurrency))
	}
	if cfg.Cache.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache.store_timeout %v must not be negative", cfg.Cache.StoreTimeout))
	}

	// Semantic search needs an embeddings provider.
	if cfg.Cache.SemanticSearch && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("cache.semantic_search is enabled but providers.embeddings is not configured"))
	}

	// Embeddings ↔ storage dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 1536")
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; cached segments will not survive a restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
