// Package config loads deployment configuration from the environment and
// pricing/tier profiles from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// DatabaseURL empty selects lite mode: SQLite stores under DataDir.
	DatabaseURL string
	DataDir     string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CallsPerMinute int
	CallBurst      int

	// Per-principal and whole-process HTTP rate limits.
	ActorRPM    int
	ActorBurst  int
	GlobalRPS   int
	GlobalBurst int

	// JWTSecret empty disables API authentication. Dev only.
	JWTSecret string

	TaxBasisPoints int
	// ScaleStep > 0 overrides the step of every tier preset at startup.
	ScaleStep int
	GuardExpr string

	SweepInterval time.Duration
	// ShadowMode runs the plane without the background sweeper; scaling
	// only happens on explicit evaluate calls.
	ShadowMode bool

	// OTLPEndpoint empty disables telemetry.
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPCAFile   string

	ProfilesDir string

	StatementStorageType string // fs | s3 | gcs
	ExportDir            string
	S3Bucket             string
	S3Endpoint           string
	S3Region             string
	S3PathStyle          bool
	GCSBucket            string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        envStr("STRATA_PORT", "8080"),
		LogLevel:    envStr("STRATA_LOG_LEVEL", "info"),
		Environment: envStr("STRATA_ENV", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envStr("STRATA_DATA_DIR", "data"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		CallsPerMinute: envInt("STRATA_CALLS_PER_MINUTE", 600),
		CallBurst:      envInt("STRATA_CALL_BURST", 120),

		ActorRPM:    envInt("STRATA_ACTOR_RPM", 300),
		ActorBurst:  envInt("STRATA_ACTOR_BURST", 50),
		GlobalRPS:   envInt("STRATA_GLOBAL_RPS", 100),
		GlobalBurst: envInt("STRATA_GLOBAL_BURST", 200),

		JWTSecret: os.Getenv("STRATA_JWT_SECRET"),

		TaxBasisPoints: envInt("STRATA_TAX_RATE", 1000), // basis points
		ScaleStep:      envInt("STRATA_SCALE_STEP", 0),
		GuardExpr:      os.Getenv("STRATA_GUARD_EXPR"),

		SweepInterval: envDuration("STRATA_SWEEP_INTERVAL", 30*time.Second),
		ShadowMode:    envBool("STRATA_SHADOW_MODE"),

		OTLPEndpoint: os.Getenv("STRATA_OTLP_ENDPOINT"),
		OTLPInsecure: envBool("STRATA_OTLP_INSECURE"),
		OTLPCAFile:   os.Getenv("STRATA_OTLP_CA"),

		ProfilesDir: os.Getenv("STRATA_PROFILES_DIR"),

		StatementStorageType: envStr("STATEMENT_STORAGE_TYPE", "fs"),
		ExportDir:            envStr("STRATA_EXPORT_DIR", "exports"),
		S3Bucket:             os.Getenv("STRATA_S3_BUCKET"),
		S3Endpoint:           os.Getenv("STRATA_S3_ENDPOINT"),
		S3Region:             envStr("AWS_REGION", "us-east-1"),
		S3PathStyle:          envBool("STRATA_S3_PATH_STYLE"),
		GCSBucket:            os.Getenv("STRATA_GCS_BUCKET"),
	}
}

// LiteMode reports whether the plane runs on embedded storage.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
