package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createTestConfig(t *testing.T) string {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	configsDir := filepath.Join(tmpDir, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("Failed to create configs directory: %v", err)
	}

	configContent := `
http_addr: "0.0.0.0:8090"
database:
  path: "./pingtower.db"
  wal_mode: true
gates:
  global_concurrency: 10
scheduler:
  tick_seconds: 10
  ttl_cleanup_hours: 720
`

	configFile := filepath.Join(configsDir, "development.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return tmpDir
}

func withTestConfigDir(t *testing.T) func() {
	tmpDir := createTestConfig(t)
	originalWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	globalConfig = nil
	return func() {
		os.Chdir(originalWd)
		os.RemoveAll(tmpDir)
	}
}

func TestLoad(t *testing.T) {
	defer withTestConfigDir(t)()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Expected http_addr from file, got %q", cfg.HTTPAddr)
	}
	if cfg.Gates.GlobalConcurrency != 10 {
		t.Errorf("Expected global_concurrency 10, got %d", cfg.Gates.GlobalConcurrency)
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	defer withTestConfigDir(t)()

	os.Setenv("GLOBAL_CONCURRENCY", "25")
	os.Setenv("GLOBAL_RPS", "5")
	os.Setenv("CHECK_TICK_SEC", "15")
	defer func() {
		os.Unsetenv("GLOBAL_CONCURRENCY")
		os.Unsetenv("GLOBAL_RPS")
		os.Unsetenv("CHECK_TICK_SEC")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Gates.GlobalConcurrency != 25 {
		t.Errorf("expected env override to win, got %d", cfg.Gates.GlobalConcurrency)
	}
	if cfg.Gates.GlobalRPS != 5 {
		t.Errorf("expected GLOBAL_RPS override, got %v", cfg.Gates.GlobalRPS)
	}
	if cfg.Scheduler.TickSeconds != 15 {
		t.Errorf("expected CHECK_TICK_SEC override, got %d", cfg.Scheduler.TickSeconds)
	}
}

func TestValidateConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	if err := validate(cfg); err != nil {
		t.Errorf("default configuration should pass validation: %v", err)
	}
}

func TestValidateInvalidConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = ""
	if err := validate(cfg); err == nil {
		t.Error("empty http_addr should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Gates.GlobalConcurrency = 0
	if err := validate(cfg); err == nil {
		t.Error("zero global_concurrency should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Scheduler.TickSeconds = 0
	if err := validate(cfg); err == nil {
		t.Error("tick_seconds below 1 should fail validation")
	}
}

func TestServiceLimitRulesMalformedIsNotFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gates.ServiceLimits = "not json"
	rules := cfg.ServiceLimitRules()
	if len(rules) != 0 {
		t.Errorf("expected malformed SERVICE_LIMITS_JSON to yield no rules, got %d", len(rules))
	}
}

func TestFileExists(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-*")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if !fileExists(tmpFile.Name()) {
		t.Error("fileExists should return true for existing file")
	}
	if fileExists("/non/existing/file") {
		t.Error("fileExists should return false for non-existing file")
	}
}

func TestGet(t *testing.T) {
	globalConfig = nil
	defer func() {
		if r := recover(); r == nil {
			t.Error("Get() should panic when config not loaded")
		}
	}()
	Get()
}

func TestGetAfterLoad(t *testing.T) {
	defer withTestConfigDir(t)()

	cfg1, err := Load()
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	cfg2 := Get()
	if cfg1 != cfg2 {
		t.Error("Get() should return the same instance as Load()")
	}
}
