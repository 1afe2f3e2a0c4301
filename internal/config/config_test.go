package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" || cfg.AssignMaxAttempts != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.BookingLeadTime != 30*time.Minute || cfg.LogLevel != slog.LevelInfo || cfg.EventsBroker != "nats" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing JWT_SECRET to fail")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("JWT_SECRET=from-file\nLOG_LEVEL=debug\nGRPC_ADDR=\nDEFAULT_MAX_DISTANCE_KM=12.5\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// Registered with t.Setenv so the variables set by the file are restored.
	for _, key := range []string{"JWT_SECRET", "LOG_LEVEL", "GRPC_ADDR", "DEFAULT_MAX_DISTANCE_KM"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-file" || cfg.LogLevel != slog.LevelDebug || cfg.DefaultMaxDistanceKm != 12.5 {
		t.Fatalf("env file not applied: %+v", cfg)
	}
	if cfg.GRPCAddr != "" {
		t.Fatalf("empty GRPC_ADDR should disable the listener, got %q", cfg.GRPCAddr)
	}
}

func TestLoadRejectsUnknownBroker(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("EVENTS_BROKER", "kafka")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown broker to fail")
	}
}
