// Package config loads DriftGate engine configuration from environment
// variables with sensible defaults.
package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the DriftGate engine.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Policy    PolicyConfig
	Healer    HealerConfig
	Telemetry TelemetryConfig
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory" (JSON snapshot file) or "sqlite".
	Backend string
	// DataDir holds the snapshot file, the sqlite database, and the
	// applier's backup area.
	DataDir string
}

// PolicyConfig locates the declarative governance policy document.
type PolicyConfig struct {
	// Path to the GovernancePolicy YAML document.
	Path string
	// Watch enables fsnotify hot-reload of the policy file.
	Watch bool
}

// HealerConfig tunes the proposal generator's signal thresholds.
type HealerConfig struct {
	// DriftMagnitude is the |delta_mean| above which broad drift fires.
	DriftMagnitude float64
	// ECEThreshold is the per-task ECE above which a weight adjustment
	// proposal fires.
	ECEThreshold float64
	// RecentRuns caps how many stored suite results Observe considers.
	RecentRuns int
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("DRIFTGATE_PORT", 8080),
		Version: envStr("DRIFTGATE_VERSION", "0.4.0"),
		Store: StoreConfig{
			Backend: envStr("DRIFTGATE_STORE", "memory"),
			DataDir: envStr("DRIFTGATE_DATA_DIR", ""),
		},
		Policy: PolicyConfig{
			Path:  envStr("DRIFTGATE_POLICY_PATH", "policy.yaml"),
			Watch: envBool("DRIFTGATE_POLICY_WATCH", true),
		},
		Healer: HealerConfig{
			DriftMagnitude: envFloat("DRIFTGATE_DRIFT_MAGNITUDE", 0.05),
			ECEThreshold:   envFloat("DRIFTGATE_ECE_THRESHOLD", 0.15),
			RecentRuns:     envInt("DRIFTGATE_RECENT_RUNS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "driftgate-engine"),
		},
	}
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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
