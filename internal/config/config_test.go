package config

import (
	"strings"
	"testing"
	"time"
)

func TestRead_OverridesDefaults(t *testing.T) {
	cfg := Default()
	input := `
app_port = 9090
cache_ttl = "5m"

[postgres]
host = "db.internal"
db = "calendar"

[redis]
host = "cache.internal"

[auth]
jwt_secret = "from-file"
token_ttl = "2h"
`
	if err := Read(strings.NewReader(input), cfg); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.AppPort != 9090 {
		t.Errorf("AppPort = %d, want 9090", cfg.AppPort)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.Postgres.Host != "db.internal" || cfg.Postgres.DB != "calendar" {
		t.Errorf("Postgres = %+v", cfg.Postgres)
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want default 5432", cfg.Postgres.Port)
	}
	if !cfg.Redis.Enabled() {
		t.Error("Redis.Enabled() = false, want true")
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
}

func TestRead_InvalidTOML(t *testing.T) {
	if err := Read(strings.NewReader("app_port = ["), Default()); err == nil {
		t.Fatal("Read() expected error for malformed input")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("APP_PORT", "7000")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("AUDIT_RETENTION_DAYS", "30")
	t.Setenv("REDIS_PORT", "not-a-number")

	cfg := Default()
	applyEnv(cfg)

	if cfg.AppPort != 7000 {
		t.Errorf("AppPort = %d, want 7000", cfg.AppPort)
	}
	if cfg.Postgres.Password != "secret" {
		t.Errorf("Postgres.Password = %q, want secret", cfg.Postgres.Password)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.TokenTTL != 90*time.Minute {
		t.Errorf("Auth.TokenTTL = %v, want 90m", cfg.Auth.TokenTTL)
	}
	if cfg.Audit.RetentionDays != 30 {
		t.Errorf("Audit.RetentionDays = %d, want 30", cfg.Audit.RetentionDays)
	}
	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want fallback 6379", cfg.Redis.Port)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("Validate() error = %v, want missing JWT_SECRET", err)
	}

	cfg.Auth.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.AppPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for port 0")
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.Postgres.Password = "pw"
	want := "host=localhost port=5432 user=postgres password=pw dbname=agenda sslmode=disable"
	if got := cfg.PostgresDSN(); got != want {
		t.Errorf("PostgresDSN() = %q, want %q", got, want)
	}
}
