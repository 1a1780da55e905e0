package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 8181
dependencies:
  postgres_url: postgres://file/db
  redis_url: redis://file:6379/0
  kafka_brokers: [kafka-1:9092]
events:
  topics:
    biometric.alert.raised: security.alerts
algorithms:
  - biometric_type: face
    url: http://face-matcher:8000
    version: face-v4
    match_threshold: 0.82
    liveness_threshold: 0.7
    timeout: 1500ms
authentication:
  match_timeout: 3s
  quiet_hours:
    enabled: true
    start_hour: 0
    end_hour: 5
  borderline_margin: 0
  failure_threshold: 5
  failure_window: 20m
leases:
  ttl: 45s
sync:
  backoff_base: 1s
  backoff_ceiling: 2m
  fan_out: 4
`)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("SYNC_PUSH_MAX_ATTEMPTS", "4")
	t.Setenv("SYNC_ALERT_AFTER", "45m")
	t.Setenv("DEVICE_TIMEOUT", "not-a-duration")
	t.Setenv("SYNC_BACKOFF_CEILING", "10m")
	t.Setenv("FAILURE_MIN_DISTINCT_DEVICES", "3")
	t.Setenv("LEASE_WAIT", "2s")
	t.Setenv("SYNC_CLAIM_TTL", "90s")
	t.Setenv("ATTEMPT_PERSIST_RETRIES", "6")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 8181 || cfg.GRPCPort != 9090 {
		t.Fatalf("unexpected ports %d/%d", cfg.HTTPPort, cfg.GRPCPort)
	}
	if cfg.DatabaseURL != "postgres://file/db" || cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("unexpected urls %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.KafkaTopics["biometric.alert.raised"] != "security.alerts" {
		t.Fatalf("topic mapping not loaded: %v", cfg.KafkaTopics)
	}
	if len(cfg.Algorithms) != 1 || cfg.Algorithms[0].Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected algorithms %+v", cfg.Algorithms)
	}
	if cfg.MatchTimeout != 3*time.Second {
		t.Fatalf("expected match timeout from file, got %s", cfg.MatchTimeout)
	}
	if !cfg.QuietHoursEnabled || cfg.QuietStartHour != 0 || cfg.QuietEndHour != 5 {
		t.Fatalf("unexpected quiet hours %v %d-%d", cfg.QuietHoursEnabled, cfg.QuietStartHour, cfg.QuietEndHour)
	}
	if cfg.SyncPushMaxAttempts != 4 || cfg.SyncAlertAfter != 45*time.Minute {
		t.Fatalf("env overrides ignored: %d %s", cfg.SyncPushMaxAttempts, cfg.SyncAlertAfter)
	}
	if cfg.DeviceTimeout != 5*time.Second {
		t.Fatalf("invalid duration must keep the fallback, got %s", cfg.DeviceTimeout)
	}
	if cfg.BorderlineMargin != 0 || cfg.FailureThreshold != 5 || cfg.MinDistinctDevices != 3 || cfg.FailureWindow != 20*time.Minute {
		t.Fatalf("unexpected suspicion tuning %v %d %d %s", cfg.BorderlineMargin, cfg.FailureThreshold, cfg.MinDistinctDevices, cfg.FailureWindow)
	}
	if cfg.LeaseTTL != 45*time.Second || cfg.LeaseWait != 2*time.Second {
		t.Fatalf("unexpected lease tuning %s %s", cfg.LeaseTTL, cfg.LeaseWait)
	}
	if cfg.SyncBackoffBase != time.Second || cfg.SyncBackoffCeiling != 10*time.Minute {
		t.Fatalf("unexpected backoff %s-%s", cfg.SyncBackoffBase, cfg.SyncBackoffCeiling)
	}
	if cfg.SyncFanOut != 4 || cfg.SyncBatchSize != 100 || cfg.SyncClaimTTL != 90*time.Second {
		t.Fatalf("unexpected sync worker tuning %d %d %s", cfg.SyncFanOut, cfg.SyncBatchSize, cfg.SyncClaimTTL)
	}
	if cfg.AttemptPersistRetries != 6 {
		t.Fatalf("expected attempt persist retries from env, got %d", cfg.AttemptPersistRetries)
	}
}

func TestApplicationConfigCarriesTunables(t *testing.T) {
	path := writeConfig(t, `
dependencies:
  postgres_url: postgres://p/db
  redis_url: redis://r:6379
authentication:
  borderline_margin: 0.05
  failure_threshold: 4
  min_distinct_devices: 3
  failure_window: 15m
  attempt_persist_retries: 2
leases:
  ttl: 20s
  wait: 3s
sync:
  backoff_base: 500ms
  backoff_ceiling: 1m
  batch_size: 25
  fan_out: 2
  claim_ttl: 45s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	app := applicationConfig(cfg)
	if app.Suspicion.BorderlineMargin != 0.05 || app.Suspicion.FailureThreshold != 4 || app.Suspicion.MinDistinctDevices != 3 {
		t.Fatalf("suspicion policy not carried: %+v", app.Suspicion)
	}
	if app.FailureWindow != 15*time.Minute || app.AttemptPersistRetries != 2 {
		t.Fatalf("unexpected failure window %s retries %d", app.FailureWindow, app.AttemptPersistRetries)
	}
	if app.LeaseTTL != 20*time.Second || app.LeaseWait != 3*time.Second {
		t.Fatalf("unexpected leases %s %s", app.LeaseTTL, app.LeaseWait)
	}
	if app.SyncBackoffBase != 500*time.Millisecond || app.SyncBackoffCeiling != time.Minute {
		t.Fatalf("unexpected backoff %s-%s", app.SyncBackoffBase, app.SyncBackoffCeiling)
	}
	if app.SyncBatchSize != 25 || app.SyncFanOut != 2 || app.SyncClaimTTL != 45*time.Second {
		t.Fatalf("unexpected sync tuning %d %d %s", app.SyncBatchSize, app.SyncFanOut, app.SyncClaimTTL)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"missing database", "dependencies:\n  redis_url: redis://r:6379\n", nil},
		{"duplicate algorithm", `
dependencies:
  postgres_url: postgres://p/db
  redis_url: redis://r:6379
algorithms:
  - {biometric_type: FACE, url: "http://a"}
  - {biometric_type: face, url: "http://b"}
`, nil},
		{"backoff ceiling below base", `
dependencies:
  postgres_url: postgres://p/db
  redis_url: redis://r:6379
sync:
  backoff_base: 10m
  backoff_ceiling: 1m
`, nil},
		{"borderline margin out of range", `
dependencies:
  postgres_url: postgres://p/db
  redis_url: redis://r:6379
`, map[string]string{"BORDERLINE_MARGIN": "1.5"}},
		{"strict key material", `
dependencies:
  postgres_url: postgres://p/db
  redis_url: redis://r:6379
`, map[string]string{"BIOMETRIC_ALLOW_EPHEMERAL_KEY": "false"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestBuildAlgorithmsRejectsUnknownModality(t *testing.T) {
	if _, err := buildAlgorithms([]AlgorithmConfig{{BiometricType: "GAIT", URL: "http://x"}}); err == nil {
		t.Fatalf("expected unknown modality error")
	}
	registry, err := buildAlgorithms([]AlgorithmConfig{{BiometricType: "iris", URL: "http://iris", Version: "iris-v2", MatchThreshold: 0.9, LivenessThreshold: 0.5}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(registry.Types()) != 1 {
		t.Fatalf("expected one binding, got %v", registry.Types())
	}
}
