package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the gateway's environment-driven configuration (spec.md §6).
type Config struct {
	Port      int
	Version   string
	Telemetry TelemetryConfig

	// HFHubCache / HFHome locate the Hugging-Face-shaped repository
	// cache root; HFToken is attached as a bearer token to remote calls.
	HFHubCache string
	HFHome     string
	HFToken    string

	// Offline disables all network calls; ExtraModelsDir is the
	// auto-discovery scan directory (internal/catalog).
	Offline        bool
	ExtraModelsDir string

	// APIKey gates /api, /v0, /v1 paths when non-empty.
	APIKey string

	DisableModelFiltering bool
	EnableDGPUGTT         bool
	RyzenAISkipProcessorCheck bool

	// MaxPerType is the scheduler's per-ModelType slot limit; -1 is unlimited.
	MaxPerType int

	// EngineBinOverrides is LEMONADE_<RECIPE>[_<BACKEND>]_BIN env vars,
	// keyed by upper-cased "RECIPE" or "RECIPE_BACKEND".
	EngineBinOverrides map[string]string

	// StrictVariantMatch — see DESIGN.md Open Question 1. Default false
	// preserves the source's literal fallback-to-first-sorted-file behavior.
	StrictVariantMatch bool

	CacheRoot string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cacheRoot := defaultCacheRoot()
	return &Config{
		Port:    envInt("LEMONADE_PORT", 8000),
		Version: envStr("LEMONADE_VERSION", "0.1.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "lemonade-gateway"),
		},
		HFHubCache:                envStr("HF_HUB_CACHE", filepath.Join(defaultHFHome(), "hub")),
		HFHome:                    envStr("HF_HOME", defaultHFHome()),
		HFToken:                   envStr("HF_TOKEN", ""),
		Offline:                   envBool("LEMONADE_OFFLINE", false),
		ExtraModelsDir:            envStr("LEMONADE_EXTRA_MODELS_DIR", filepath.Join(cacheRoot, "extra_models")),
		APIKey:                    envStr("LEMONADE_API_KEY", ""),
		DisableModelFiltering:     envBool("LEMONADE_DISABLE_MODEL_FILTERING", false),
		EnableDGPUGTT:             envBool("LEMONADE_ENABLE_DGPU_GTT", false),
		RyzenAISkipProcessorCheck: envBool("RYZENAI_SKIP_PROCESSOR_CHECK", false),
		MaxPerType:                envInt("LEMONADE_MAX_PER_TYPE", 5),
		EngineBinOverrides:        engineBinOverrides(),
		StrictVariantMatch:        envBool("LEMONADE_STRICT_VARIANT_MATCH", false),
		CacheRoot:                 cacheRoot,
	}
}

// EngineBin returns an override path for recipe/backend, or "" if unset.
func (c *Config) EngineBin(recipe, backend string) string {
	key := strings.ToUpper(recipe)
	if backend != "" {
		key += "_" + strings.ToUpper(backend)
	}
	if v, ok := c.EngineBinOverrides[key]; ok {
		return v
	}
	return c.EngineBinOverrides[strings.ToUpper(recipe)]
}

func defaultHFHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "huggingface")
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "lemonade")
}

// engineBinOverrides scans the environment for LEMONADE_<RECIPE>[_<BACKEND>]_BIN.
func engineBinOverrides() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if strings.HasPrefix(k, "LEMONADE_") && strings.HasSuffix(k, "_BIN") {
			mid := strings.TrimSuffix(strings.TrimPrefix(k, "LEMONADE_"), "_BIN")
			if mid != "" {
				out[mid] = v
			}
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
