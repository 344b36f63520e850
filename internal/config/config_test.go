package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		testContext.Fatalf("unexpected base url %q", cfg.APIBaseURL)
	}
	if cfg.APITimeout != defaultAPITimeout || cfg.ConnectivityInterval != defaultConnectivityInterval {
		testContext.Fatalf("unexpected durations %+v", cfg)
	}
	if err := cfg.ValidateStub(); err == nil {
		testContext.Fatalf("expected stub validation to require a signing secret")
	}
}

func TestLoadReadsEnvironmentOverrides(testContext *testing.T) {
	testContext.Setenv("STORYLINE_API_BASE_URL", "http://127.0.0.1:9999/v1")
	testContext.Setenv("STORYLINE_API_TIMEOUT", "3s")
	testContext.Setenv("STORYLINE_STUB_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.APIBaseURL != "http://127.0.0.1:9999/v1" {
		testContext.Fatalf("expected env base url, got %q", cfg.APIBaseURL)
	}
	if cfg.APITimeout != 3*time.Second {
		testContext.Fatalf("expected env timeout, got %v", cfg.APITimeout)
	}
	if err := cfg.ValidateStub(); err != nil {
		testContext.Fatalf("unexpected stub validation error: %v", err)
	}
}

func TestLoadRejectsInvalidValues(testContext *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "relative base url", key: "api.base_url", value: "story-api/v1"},
		{name: "zero timeout", key: "api.timeout", value: time.Duration(0)},
		{name: "jitter above one", key: "connectivity.jitter", value: 1.5},
		{name: "empty database path", key: "database.path", value: " "},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				testContext.Fatalf("expected %s to be rejected", testCase.key)
			}
		})
	}
}

func TestLoadDotEnvIgnoresMissingFiles(testContext *testing.T) {
	dir := testContext.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("STORYLINE_SPOOL_DIR=/tmp/from-dotenv\n"), 0o600); err != nil {
		testContext.Fatalf("failed to write env file: %v", err)
	}
	testContext.Setenv("STORYLINE_SPOOL_DIR", "")
	os.Unsetenv("STORYLINE_SPOOL_DIR")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		testContext.Fatalf("unexpected dotenv error: %v", err)
	}
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SpoolDir != "/tmp/from-dotenv" {
		testContext.Fatalf("expected spool dir from dotenv, got %q", cfg.SpoolDir)
	}
}
