package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	// Clear any env vars that would override defaults
	keys := []string{
		"PORT", "ENV", "LOG_LEVEL",
		"HEARTBEAT_INTERVAL_MS", "HEARTBEAT_TIMEOUT_MS", "MAX_CONNECTIONS",
		"GRACEFUL_SHUTDOWN_TIMEOUT_MS", "AUTH_TIMEOUT_MS",
		"RATE_LIMIT_WS_COUNT", "RATE_LIMIT_WS_WINDOW_SECONDS",
		"CREDENTIALS_BACKEND", "USERS", "VALKEY_URL",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}

	if cfg.HeartbeatInterval != time.Second {
		t.Errorf("HeartbeatInterval = %v, want 1s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 3*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 3s", cfg.HeartbeatTimeout)
	}
	if cfg.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", cfg.MaxConnections)
	}
	if cfg.ShutdownGrace != 5*time.Second {
		t.Errorf("ShutdownGrace = %v, want 5s", cfg.ShutdownGrace)
	}
	if cfg.AuthTimeout != 30*time.Second {
		t.Errorf("AuthTimeout = %v, want 30s", cfg.AuthTimeout)
	}

	if cfg.RateLimitWSCount != 0 {
		t.Errorf("RateLimitWSCount = %d, want 0", cfg.RateLimitWSCount)
	}
	if cfg.RateLimitWSWindowSeconds != 60 {
		t.Errorf("RateLimitWSWindowSeconds = %d, want 60", cfg.RateLimitWSWindowSeconds)
	}

	if cfg.CredentialsBackend != "memory" {
		t.Errorf("CredentialsBackend = %q, want %q", cfg.CredentialsBackend, "memory")
	}
	if cfg.Users != "" {
		t.Errorf("Users = %q, want empty", cfg.Users)
	}

	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "development")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("HEARTBEAT_TIMEOUT_MS", "2000")
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("GRACEFUL_SHUTDOWN_TIMEOUT_MS", "1000")
	t.Setenv("RATE_LIMIT_WS_COUNT", "100")
	t.Setenv("CREDENTIALS_BACKEND", "memory")
	t.Setenv("USERS", "alice:tok-a,bob:tok-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HeartbeatInterval != 500*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v, want 500ms", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 2*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 2s", cfg.HeartbeatTimeout)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d, want 50", cfg.MaxConnections)
	}
	if cfg.ShutdownGrace != time.Second {
		t.Errorf("ShutdownGrace = %v, want 1s", cfg.ShutdownGrace)
	}
	if cfg.RateLimitWSCount != 100 {
		t.Errorf("RateLimitWSCount = %d, want 100", cfg.RateLimitWSCount)
	}
	if cfg.Users != "alice:tok-a,bob:tok-b" {
		t.Errorf("Users = %q", cfg.Users)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "PORT") {
		t.Errorf("error %q does not mention PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("PORT", "abc")
	t.Setenv("MAX_CONNECTIONS", "xyz")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "PORT") {
		t.Errorf("error missing PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "MAX_CONNECTIONS") {
		t.Errorf("error missing MAX_CONNECTIONS, got: %s", errStr)
	}
	if !strings.Contains(errStr, "HEARTBEAT_INTERVAL_MS") {
		t.Errorf("error missing HEARTBEAT_INTERVAL_MS, got: %s", errStr)
	}
}

func TestLoadHeartbeatOrdering(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL_MS", "3000")
	t.Setenv("HEARTBEAT_TIMEOUT_MS", "1000")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() accepted a timeout shorter than the interval")
	}
	if !strings.Contains(err.Error(), "HEARTBEAT_TIMEOUT_MS") {
		t.Errorf("error %q does not mention HEARTBEAT_TIMEOUT_MS", err.Error())
	}
}

func TestLoadUnknownBackend(t *testing.T) {
	t.Setenv("CREDENTIALS_BACKEND", "etcd")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() accepted an unknown credentials backend")
	}
	if !strings.Contains(err.Error(), "CREDENTIALS_BACKEND") {
		t.Errorf("error %q does not mention CREDENTIALS_BACKEND", err.Error())
	}
}

func TestLoadBackendURLDefaults(t *testing.T) {
	t.Setenv("VALKEY_URL", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.ValkeyURL == "" {
		t.Error("ValkeyURL is empty, want default")
	}
	if cfg.DatabaseURL == "" {
		t.Error("DatabaseURL is empty, want default")
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}
