package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crestline-labs/trading-core/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Broker.Type != "simulation" {
		t.Errorf("broker type = %q, want simulation", cfg.Broker.Type)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute {
		t.Errorf("access ttl = %s", cfg.Auth.AccessTTL)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
store:
  dsn: custom.db
simulation:
  initial_balance: 25000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRADING_JWT_SECRET", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Store.DSN != "custom.db" {
		t.Errorf("dsn = %q", cfg.Store.DSN)
	}
	if cfg.Simulation.InitialBalance != 25000 {
		t.Errorf("balance = %v", cfg.Simulation.InitialBalance)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("secret = %q, want env override", cfg.Auth.JWTSecret)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing jwt secret must fail validation")
	}

	cfg.Auth.JWTSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.Broker.Type = "oanda"
	if err := cfg.Validate(); err == nil {
		t.Error("remote broker without base_url must fail validation")
	}
	cfg.Broker.BaseURL = "http://localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	cfg.Simulation.FillProbability = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("fill probability > 1 must fail validation")
	}
}
