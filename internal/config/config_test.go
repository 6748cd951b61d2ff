// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CONFIG_FILE", "ENV", "HTTP_ADDR", "DATABASE_URL", "ADMIN_TOKEN", "AUTO_MIGRATE",
		"DATABASE_MAX_CONNS", "INGEST_LIMIT_PER_MIN",
		"DELIVERY_WORKERS", "DELIVERY_POLL_INTERVAL", "DELIVERY_ATTEMPT_TIMEOUT",
		"DELIVERY_LEASE_TTL", "DELIVERY_BASE_DELAY", "DELIVERY_MAX_DELAY",
		"DELIVERY_MAX_ATTEMPTS", "DELIVERY_JITTER_FRACTION",
		"QUEUE_DRIVER", "QUEUE_BROKERS", "QUEUE_TOPIC",
		"BLOBSTORE_DRIVER", "BLOBSTORE_BUCKET", "BLOBSTORE_PREFIX",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTPAddr=:8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if !cfg.AutoMigrate {
		t.Fatal("expected default AutoMigrate=true")
	}
	if cfg.DatabaseMaxConns != 5 {
		t.Fatalf("expected default DatabaseMaxConns=5, got %d", cfg.DatabaseMaxConns)
	}
	if cfg.Delivery.Workers != 4 {
		t.Fatalf("expected default Workers=4, got %d", cfg.Delivery.Workers)
	}
	if cfg.Delivery.BaseDelay != 5*time.Second {
		t.Fatalf("expected default BaseDelay=5s, got %s", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.MaxDelay != 10*time.Minute {
		t.Fatalf("expected default MaxDelay=10m, got %s", cfg.Delivery.MaxDelay)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("expected default MaxAttempts=5, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.JitterFraction != 0.2 {
		t.Fatalf("expected default JitterFraction=0.2, got %f", cfg.Delivery.JitterFraction)
	}
	if cfg.Queue.Driver != "none" {
		t.Fatalf("expected default queue driver none, got %s", cfg.Queue.Driver)
	}
	if cfg.Blobstore.Driver != "memory" {
		t.Fatalf("expected default blobstore driver memory, got %s", cfg.Blobstore.Driver)
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENV", "prod")
	t.Setenv("ADMIN_TOKEN", "master-token")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("DATABASE_MAX_CONNS", "20")
	t.Setenv("DELIVERY_WORKERS", "8")
	t.Setenv("DELIVERY_BASE_DELAY", "1s")
	t.Setenv("DELIVERY_MAX_ATTEMPTS", "3")
	t.Setenv("QUEUE_DRIVER", "kafka")
	t.Setenv("QUEUE_BROKERS", "broker-a:9092, broker-b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "prod" {
		t.Fatalf("expected ENV override, got %s", cfg.Env)
	}
	if cfg.AdminToken != "master-token" {
		t.Fatalf("expected ADMIN_TOKEN override, got %s", cfg.AdminToken)
	}
	if cfg.AutoMigrate {
		t.Fatal("expected AUTO_MIGRATE override to false")
	}
	if cfg.DatabaseMaxConns != 20 {
		t.Fatalf("expected DatabaseMaxConns=20, got %d", cfg.DatabaseMaxConns)
	}
	if cfg.Delivery.Workers != 8 {
		t.Fatalf("expected Workers=8, got %d", cfg.Delivery.Workers)
	}
	if cfg.Delivery.BaseDelay != time.Second {
		t.Fatalf("expected BaseDelay=1s, got %s", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Queue.Driver != "kafka" {
		t.Fatalf("expected kafka driver, got %s", cfg.Queue.Driver)
	}
	if len(cfg.Queue.Brokers) != 2 || cfg.Queue.Brokers[0] != "broker-a:9092" {
		t.Fatalf("expected broker list parsed, got %v", cfg.Queue.Brokers)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
env = "prod"
http_addr = ":7070"
admin_token = "file-token"

[delivery]
workers = 2
base_delay = "10s"
max_attempts = 7

[queue]
driver = "kafka"
brokers = ["broker-file:9092"]
topic = "custom.wake"

[blobstore]
driver = "s3"
bucket = "evidence-exports"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "prod" {
		t.Fatalf("expected file env, got %s", cfg.Env)
	}
	if cfg.HTTPAddr != ":6060" {
		t.Fatalf("expected env to beat file, got %s", cfg.HTTPAddr)
	}
	if cfg.AdminToken != "file-token" {
		t.Fatalf("expected file admin token, got %s", cfg.AdminToken)
	}
	if cfg.Delivery.Workers != 2 {
		t.Fatalf("expected file workers=2, got %d", cfg.Delivery.Workers)
	}
	if cfg.Delivery.BaseDelay != 10*time.Second {
		t.Fatalf("expected file base delay 10s, got %s", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.MaxAttempts != 7 {
		t.Fatalf("expected file max attempts 7, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Queue.Topic != "custom.wake" {
		t.Fatalf("expected file topic, got %s", cfg.Queue.Topic)
	}
	if cfg.Blobstore.Driver != "s3" || cfg.Blobstore.Bucket != "evidence-exports" {
		t.Fatalf("expected file blobstore config, got %+v", cfg.Blobstore)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("delivery = {"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected malformed config file to be rejected")
	}
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("DUR_KEY", "150ms")
	if got := getenvDuration("DUR_KEY", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}

	t.Setenv("DUR_KEY", "bogus")
	if got := getenvDuration("DUR_KEY", time.Second); got != time.Second {
		t.Fatalf("expected fallback on parse error, got %s", got)
	}
}
