package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for M21.
type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL string
	RedisURL    string
	MaxDBConns  int32

	KafkaBrokers []string
	KafkaTopics  map[string]string

	JWTPublicKeyPEM   string
	JWTKeyID          string
	JWTIssuer         string
	AllowEphemeralJWT bool

	FeatureKey          string
	AllowEphemeralCrypt bool

	Algorithms []AlgorithmConfig

	DeviceTimeout       time.Duration
	DeviceRatePerSecond float64
	DeviceBurst         int
	DeviceIdempotency   string

	MinQualityScore      float64
	TemplateValidity     time.Duration
	EngineMaxConcurrency int
	EngineQueueWait      time.Duration
	MatchTimeout         time.Duration
	QuietHoursEnabled    bool
	QuietStartHour       int
	QuietEndHour         int
	ReviewSLA            time.Duration

	BorderlineMargin      float64
	FailureThreshold      int
	MinDistinctDevices    int
	FailureWindow         time.Duration
	AttemptPersistRetries int

	LeaseTTL  time.Duration
	LeaseWait time.Duration

	SyncAlertAfter      time.Duration
	SyncPushMaxAttempts int
	SyncBackoffBase     time.Duration
	SyncBackoffCeiling  time.Duration
	SyncBatchSize       int
	SyncFanOut          int
	SyncClaimTTL        time.Duration

	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxClaimTTL      time.Duration
	OutboxMaxRetries    int
	SyncRetryInterval   time.Duration
	ReviewScanInterval  time.Duration
	ExpiryScanInterval  time.Duration
	HealthCheckInterval time.Duration
}

// AlgorithmConfig binds one modality to a remote matcher.
type AlgorithmConfig struct {
	BiometricType     string        `yaml:"biometric_type"`
	URL               string        `yaml:"url"`
	Version           string        `yaml:"version"`
	MatchThreshold    float64       `yaml:"match_threshold"`
	LivenessThreshold float64       `yaml:"liveness_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Events struct {
		Topics map[string]string `yaml:"topics"`
	} `yaml:"events"`
	Security struct {
		JWTIssuer string `yaml:"jwt_issuer"`
		JWTKeyID  string `yaml:"jwt_key_id"`
	} `yaml:"security"`
	Algorithms []AlgorithmConfig `yaml:"algorithms"`
	Devices    struct {
		Timeout       time.Duration `yaml:"timeout"`
		RatePerSecond float64       `yaml:"rate_per_second"`
		Burst         int           `yaml:"burst"`
	} `yaml:"devices"`
	Authentication struct {
		MinQualityScore      float64       `yaml:"min_quality_score"`
		TemplateValidity     time.Duration `yaml:"template_validity"`
		EngineMaxConcurrency int           `yaml:"engine_max_concurrency"`
		MatchTimeout         time.Duration `yaml:"match_timeout"`
		QuietHours           struct {
			Enabled   bool `yaml:"enabled"`
			StartHour *int `yaml:"start_hour"`
			EndHour   *int `yaml:"end_hour"`
		} `yaml:"quiet_hours"`
		ReviewSLA             time.Duration `yaml:"review_sla"`
		BorderlineMargin      *float64      `yaml:"borderline_margin"`
		FailureThreshold      int           `yaml:"failure_threshold"`
		MinDistinctDevices    int           `yaml:"min_distinct_devices"`
		FailureWindow         time.Duration `yaml:"failure_window"`
		AttemptPersistRetries int           `yaml:"attempt_persist_retries"`
	} `yaml:"authentication"`
	Leases struct {
		TTL  time.Duration `yaml:"ttl"`
		Wait time.Duration `yaml:"wait"`
	} `yaml:"leases"`
	Sync struct {
		AlertAfter     time.Duration `yaml:"alert_after"`
		PushMaxAttempt int           `yaml:"push_max_attempts"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
		BatchSize      int           `yaml:"batch_size"`
		FanOut         int           `yaml:"fan_out"`
		ClaimTTL       time.Duration `yaml:"claim_ttl"`
	} `yaml:"sync"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:             "M21-Biometric-Identity-Service",
		HTTPPort:              8080,
		GRPCPort:              9090,
		MaxDBConns:            20,
		KafkaTopics:           map[string]string{},
		JWTKeyID:              "m21-operator-key-1",
		JWTIssuer:             "viralforge-auth",
		AllowEphemeralJWT:     true,
		AllowEphemeralCrypt:   true,
		DeviceTimeout:         5 * time.Second,
		DeviceRatePerSecond:   5,
		DeviceBurst:           10,
		DeviceIdempotency:     "m21",
		MinQualityScore:       0.6,
		TemplateValidity:      2 * 365 * 24 * time.Hour,
		EngineMaxConcurrency:  32,
		EngineQueueWait:       250 * time.Millisecond,
		MatchTimeout:          2 * time.Second,
		QuietStartHour:        23,
		QuietEndHour:          6,
		ReviewSLA:             4 * time.Hour,
		BorderlineMargin:      0.03,
		FailureThreshold:      3,
		MinDistinctDevices:    2,
		FailureWindow:         10 * time.Minute,
		AttemptPersistRetries: 3,
		LeaseTTL:              30 * time.Second,
		LeaseWait:             5 * time.Second,
		SyncAlertAfter:        15 * time.Minute,
		SyncPushMaxAttempts:   10,
		SyncBackoffBase:       2 * time.Second,
		SyncBackoffCeiling:    5 * time.Minute,
		SyncBatchSize:         100,
		SyncFanOut:            8,
		SyncClaimTTL:          2 * time.Minute,
		OutboxPollInterval:    2 * time.Second,
		OutboxBatchSize:       100,
		OutboxClaimTTL:        30 * time.Second,
		OutboxMaxRetries:      5,
		SyncRetryInterval:     5 * time.Second,
		ReviewScanInterval:    time.Minute,
		ExpiryScanInterval:    time.Hour,
		HealthCheckInterval:   15 * time.Second,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		applyFile(&cfg, f)
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTKeyID = envOrDefault("JWT_KEY_ID", cfg.JWTKeyID)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.AllowEphemeralJWT = envBool("JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)
	cfg.FeatureKey = envOrDefault("BIOMETRIC_FEATURE_KEY", cfg.FeatureKey)
	cfg.AllowEphemeralCrypt = envBool("BIOMETRIC_ALLOW_EPHEMERAL_KEY", cfg.AllowEphemeralCrypt)
	cfg.DeviceIdempotency = envOrDefault("DEVICE_IDEMPOTENCY_SEED", cfg.DeviceIdempotency)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.EngineMaxConcurrency = envInt("ENGINE_MAX_CONCURRENCY", cfg.EngineMaxConcurrency)
	cfg.SyncPushMaxAttempts = envInt("SYNC_PUSH_MAX_ATTEMPTS", cfg.SyncPushMaxAttempts)
	cfg.QuietHoursEnabled = envBool("QUIET_HOURS_ENABLED", cfg.QuietHoursEnabled)
	cfg.MinQualityScore = envFloat("MIN_QUALITY_SCORE", cfg.MinQualityScore)

	cfg.MatchTimeout = time.Duration(envInt("MATCH_TIMEOUT_MS", int(cfg.MatchTimeout.Milliseconds()))) * time.Millisecond
	cfg.ReviewSLA = time.Duration(envInt("REVIEW_SLA_MINUTES", int(cfg.ReviewSLA.Minutes()))) * time.Minute
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxClaimTTL = time.Duration(envInt("OUTBOX_CLAIM_TTL_SECONDS", int(cfg.OutboxClaimTTL.Seconds()))) * time.Second
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)
	cfg.SyncRetryInterval = time.Duration(envInt("SYNC_RETRY_SECONDS", int(cfg.SyncRetryInterval.Seconds()))) * time.Second
	cfg.SyncAlertAfter = envDuration("SYNC_ALERT_AFTER", cfg.SyncAlertAfter)
	cfg.EngineQueueWait = envDuration("ENGINE_QUEUE_WAIT", cfg.EngineQueueWait)
	cfg.DeviceTimeout = envDuration("DEVICE_TIMEOUT", cfg.DeviceTimeout)
	cfg.HealthCheckInterval = envDuration("ALGORITHM_HEALTH_INTERVAL", cfg.HealthCheckInterval)

	cfg.BorderlineMargin = envFloat("BORDERLINE_MARGIN", cfg.BorderlineMargin)
	cfg.FailureThreshold = envInt("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.MinDistinctDevices = envInt("FAILURE_MIN_DISTINCT_DEVICES", cfg.MinDistinctDevices)
	cfg.FailureWindow = envDuration("FAILURE_WINDOW", cfg.FailureWindow)
	cfg.AttemptPersistRetries = envInt("ATTEMPT_PERSIST_RETRIES", cfg.AttemptPersistRetries)
	cfg.LeaseTTL = envDuration("LEASE_TTL", cfg.LeaseTTL)
	cfg.LeaseWait = envDuration("LEASE_WAIT", cfg.LeaseWait)
	cfg.SyncBackoffBase = envDuration("SYNC_BACKOFF_BASE", cfg.SyncBackoffBase)
	cfg.SyncBackoffCeiling = envDuration("SYNC_BACKOFF_CEILING", cfg.SyncBackoffCeiling)
	cfg.SyncBatchSize = envInt("SYNC_BATCH_SIZE", cfg.SyncBatchSize)
	cfg.SyncFanOut = envInt("SYNC_FAN_OUT", cfg.SyncFanOut)
	cfg.SyncClaimTTL = envDuration("SYNC_CLAIM_TTL", cfg.SyncClaimTTL)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	for eventType, topic := range f.Events.Topics {
		cfg.KafkaTopics[eventType] = topic
	}
	if f.Security.JWTIssuer != "" {
		cfg.JWTIssuer = f.Security.JWTIssuer
	}
	if f.Security.JWTKeyID != "" {
		cfg.JWTKeyID = f.Security.JWTKeyID
	}
	if len(f.Algorithms) > 0 {
		cfg.Algorithms = f.Algorithms
	}
	if f.Devices.Timeout > 0 {
		cfg.DeviceTimeout = f.Devices.Timeout
	}
	if f.Devices.RatePerSecond > 0 {
		cfg.DeviceRatePerSecond = f.Devices.RatePerSecond
	}
	if f.Devices.Burst > 0 {
		cfg.DeviceBurst = f.Devices.Burst
	}
	a := f.Authentication
	if a.MinQualityScore > 0 {
		cfg.MinQualityScore = a.MinQualityScore
	}
	if a.TemplateValidity > 0 {
		cfg.TemplateValidity = a.TemplateValidity
	}
	if a.EngineMaxConcurrency > 0 {
		cfg.EngineMaxConcurrency = a.EngineMaxConcurrency
	}
	if a.MatchTimeout > 0 {
		cfg.MatchTimeout = a.MatchTimeout
	}
	cfg.QuietHoursEnabled = a.QuietHours.Enabled
	if a.QuietHours.StartHour != nil {
		cfg.QuietStartHour = *a.QuietHours.StartHour
	}
	if a.QuietHours.EndHour != nil {
		cfg.QuietEndHour = *a.QuietHours.EndHour
	}
	if a.ReviewSLA > 0 {
		cfg.ReviewSLA = a.ReviewSLA
	}
	if f.Sync.AlertAfter > 0 {
		cfg.SyncAlertAfter = f.Sync.AlertAfter
	}
	if a.BorderlineMargin != nil {
		cfg.BorderlineMargin = *a.BorderlineMargin
	}
	if a.FailureThreshold > 0 {
		cfg.FailureThreshold = a.FailureThreshold
	}
	if a.MinDistinctDevices > 0 {
		cfg.MinDistinctDevices = a.MinDistinctDevices
	}
	if a.FailureWindow > 0 {
		cfg.FailureWindow = a.FailureWindow
	}
	if a.AttemptPersistRetries > 0 {
		cfg.AttemptPersistRetries = a.AttemptPersistRetries
	}
	if f.Leases.TTL > 0 {
		cfg.LeaseTTL = f.Leases.TTL
	}
	if f.Leases.Wait > 0 {
		cfg.LeaseWait = f.Leases.Wait
	}
	if f.Sync.PushMaxAttempt > 0 {
		cfg.SyncPushMaxAttempts = f.Sync.PushMaxAttempt
	}
	if f.Sync.BackoffBase > 0 {
		cfg.SyncBackoffBase = f.Sync.BackoffBase
	}
	if f.Sync.BackoffCeiling > 0 {
		cfg.SyncBackoffCeiling = f.Sync.BackoffCeiling
	}
	if f.Sync.BatchSize > 0 {
		cfg.SyncBatchSize = f.Sync.BatchSize
	}
	if f.Sync.FanOut > 0 {
		cfg.SyncFanOut = f.Sync.FanOut
	}
	if f.Sync.ClaimTTL > 0 {
		cfg.SyncClaimTTL = f.Sync.ClaimTTL
	}
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("missing REDIS_URL")
	}
	if c.JWTPublicKeyPEM == "" && !c.AllowEphemeralJWT {
		return fmt.Errorf("missing JWT_PUBLIC_KEY_PEM")
	}
	if c.FeatureKey == "" && !c.AllowEphemeralCrypt {
		return fmt.Errorf("missing BIOMETRIC_FEATURE_KEY")
	}
	if c.MinQualityScore < 0 || c.MinQualityScore > 1 {
		return fmt.Errorf("min quality score %v outside [0,1]", c.MinQualityScore)
	}
	if c.QuietStartHour < 0 || c.QuietStartHour > 23 || c.QuietEndHour < 0 || c.QuietEndHour > 23 {
		return fmt.Errorf("quiet hours must be within 0-23")
	}
	if c.BorderlineMargin < 0 || c.BorderlineMargin >= 1 {
		return fmt.Errorf("borderline margin %v outside [0,1)", c.BorderlineMargin)
	}
	if c.SyncBackoffCeiling < c.SyncBackoffBase {
		return fmt.Errorf("sync backoff ceiling %s below base %s", c.SyncBackoffCeiling, c.SyncBackoffBase)
	}
	if c.LeaseWait > c.LeaseTTL {
		return fmt.Errorf("lease wait %s exceeds lease ttl %s", c.LeaseWait, c.LeaseTTL)
	}
	seen := make(map[string]bool, len(c.Algorithms))
	for _, a := range c.Algorithms {
		key := strings.ToUpper(strings.TrimSpace(a.BiometricType))
		if seen[key] {
			return fmt.Errorf("algorithm for %s configured twice", key)
		}
		seen[key] = true
		if a.URL == "" {
			return fmt.Errorf("algorithm %s: url is required", key)
		}
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration accepts Go duration strings such as "90s" or "15m".
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
