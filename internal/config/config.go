// Package config defines configuration parsing and helpers. Everything is
// read from environment variables; the two binaries take no arguments.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Worker plan.
	WorkerCount    int `env:"WORKER_COUNT" envDefault:"2" validate:"gte=0"`
	OCRWorkerCount int `env:"OCR_WORKER_COUNT" envDefault:"1" validate:"gte=0"`

	// Per-environment OCR polling switches. Extraction polling is always on
	// for configured environments; OCR can be held back per deployment stage.
	OCRDev     bool `env:"OCR_DEV" envDefault:"true"`
	OCRStaging bool `env:"OCR_STAGING" envDefault:"false"`
	OCRProd    bool `env:"OCR_PROD" envDefault:"false"`

	// When set, a document with any failed page is reported as a failure
	// instead of being saved with empty page placeholders.
	OCRRequireAllPages bool `env:"OCR_REQUIRE_ALL_PAGES" envDefault:"false"`

	// Capacity ceilings for the whole fleet (units: vCPU, GB) and the slice
	// withheld for the OS.
	ServerMaxCPU            float64 `env:"SERVER_MAX_CPU" envDefault:"4" validate:"gt=0"`
	ServerMaxRAM            float64 `env:"SERVER_MAX_RAM" envDefault:"8" validate:"gt=0"`
	ServerReserveCPUPercent float64 `env:"SERVER_RESERVE_CPU_PERCENT" envDefault:"10" validate:"gte=0,lt=100"`
	ServerReserveRAMPercent float64 `env:"SERVER_RESERVE_RAM_PERCENT" envDefault:"10" validate:"gte=0,lt=100"`

	// Poll and health-monitor cadences, all milliseconds on the wire.
	PollIntervalMS          int64 `env:"POLL_INTERVAL_MS" envDefault:"7500" validate:"gt=0"`
	StaleJobThresholdMS     int64 `env:"STALE_JOB_THRESHOLD_MS" envDefault:"180000" validate:"gt=0"`
	OCRStaleJobThresholdMS  int64 `env:"OCR_STALE_JOB_THRESHOLD_MS" envDefault:"600000" validate:"gt=0"`
	DeadWorkerThresholdMS   int64 `env:"DEAD_WORKER_THRESHOLD_MS" envDefault:"120000" validate:"gt=0"`
	MonitorTickMS           int64 `env:"MONITOR_TICK_MS" envDefault:"30000" validate:"gt=0"`
	MonitorSnapshotEveryMS  int64 `env:"MONITOR_SNAPSHOT_EVERY_MS" envDefault:"300000" validate:"gt=0"`

	// Upstream model credentials and endpoints.
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	GeminiBaseURL   string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com"`
	GeminiModel     string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`

	// Documented hard rate limits for the account tier in use. The limiter
	// admits at 80% of these.
	GeminiRPMLimit     int64 `env:"GEMINI_RPM_LIMIT" envDefault:"2000" validate:"gt=0"`
	GeminiTPMLimit     int64 `env:"GEMINI_TPM_LIMIT" envDefault:"4000000" validate:"gt=0"`
	AnthropicRPMLimit  int64 `env:"ANTHROPIC_RPM_LIMIT" envDefault:"50" validate:"gt=0"`
	AnthropicOTPMLimit int64 `env:"ANTHROPIC_OTPM_LIMIT" envDefault:"8000" validate:"gt=0"`

	// Per-environment backing stores. An environment is active when its DB
	// URL is set; the service key authenticates against both the store's
	// REST surface and its object buckets.
	DevDBURL          string `env:"DEV_DB_URL"`
	DevServiceKey     string `env:"DEV_SERVICE_KEY"`
	DevStorageURL     string `env:"DEV_STORAGE_URL"`
	StagingDBURL      string `env:"STAGING_DB_URL"`
	StagingServiceKey string `env:"STAGING_SERVICE_KEY"`
	StagingStorageURL string `env:"STAGING_STORAGE_URL"`
	ProdDBURL         string `env:"PROD_DB_URL"`
	ProdServiceKey    string `env:"PROD_SERVICE_KEY"`
	ProdStorageURL    string `env:"PROD_STORAGE_URL"`

	// Shared state for the limiter and capacity manager. Empty means
	// standalone mode with in-process state.
	RedisURL string `env:"REDIS_URL"`

	// Ops listener (metrics, health).
	OpsPort int `env:"OPS_PORT" envDefault:"9090" validate:"gt=0,lte=65535"`

	// Supervisor shutdown: drain wait bounded by this hard deadline.
	ShutdownDeadline time.Duration `env:"SHUTDOWN_DEADLINE" envDefault:"90s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"extracteur"`
}

// EnvTarget bundles one logical environment's credentials and switches.
type EnvTarget struct {
	Name       domain.Environment
	DBURL      string
	ServiceKey string
	StorageURL string
	OCREnabled bool
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if len(cfg.Environments()) == 0 {
		return Config{}, fmt.Errorf("op=config.Load: no environment configured (set DEV_DB_URL, STAGING_DB_URL or PROD_DB_URL)")
	}
	return cfg, nil
}

// Environments returns the configured logical queues in their fixed polling
// order. Environments without a DB URL are absent.
func (c Config) Environments() []EnvTarget {
	var out []EnvTarget
	if c.DevDBURL != "" {
		out = append(out, EnvTarget{Name: domain.EnvDev, DBURL: c.DevDBURL, ServiceKey: c.DevServiceKey, StorageURL: c.DevStorageURL, OCREnabled: c.OCRDev})
	}
	if c.StagingDBURL != "" {
		out = append(out, EnvTarget{Name: domain.EnvStaging, DBURL: c.StagingDBURL, ServiceKey: c.StagingServiceKey, StorageURL: c.StagingStorageURL, OCREnabled: c.OCRStaging})
	}
	if c.ProdDBURL != "" {
		out = append(out, EnvTarget{Name: domain.EnvProd, DBURL: c.ProdDBURL, ServiceKey: c.ProdServiceKey, StorageURL: c.ProdStorageURL, OCREnabled: c.OCRProd})
	}
	return out
}

// PollInterval is the worker idle poll period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleJobThreshold is the age past which a PROCESSING job counts as stalled.
func (c Config) StaleJobThreshold() time.Duration {
	return time.Duration(c.StaleJobThresholdMS) * time.Millisecond
}

// OCRStaleJobThreshold is the stalled age for OCR_PROCESSING jobs; OCR runs
// long, so it gets its own threshold.
func (c Config) OCRStaleJobThreshold() time.Duration {
	return time.Duration(c.OCRStaleJobThresholdMS) * time.Millisecond
}

// DeadWorkerThreshold is the heartbeat silence past which a worker counts as
// dead.
func (c Config) DeadWorkerThreshold() time.Duration {
	return time.Duration(c.DeadWorkerThresholdMS) * time.Millisecond
}

// MonitorTick is the health-monitor sweep period.
func (c Config) MonitorTick() time.Duration {
	return time.Duration(c.MonitorTickMS) * time.Millisecond
}

// MonitorSnapshotEvery is the health-snapshot sampling period.
func (c Config) MonitorSnapshotEvery() time.Duration {
	return time.Duration(c.MonitorSnapshotEveryMS) * time.Millisecond
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ModelRetryPolicy returns the per-page model-call retry policy for the
// current environment. Test mode shrinks the delays so suites run fast.
func (c Config) ModelRetryPolicy() domain.RetryPolicy {
	if c.IsTest() {
		return domain.RetryPolicy{
			MaxAttempts:    3,
			InitialDelay:   10 * time.Millisecond,
			MaxDelay:       50 * time.Millisecond,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		}
	}
	return domain.ModelCallRetryPolicy()
}
