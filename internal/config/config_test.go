package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/platform"
)

const minimalYAML = `
cloud:
  base_url: https://sync.example.org/
  api_key: secret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvAPIKey, EnvBaseURL, EnvDeviceID, EnvMQTTBroker, EnvDatabasePath, EnvLogLevel} {
		t.Setenv(key, "")
	}
	// Keep godotenv away from any .env in the package directory
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Device.LanguageCode != "ja" {
		t.Errorf("LanguageCode mismatch: got %s, want ja", cfg.Device.LanguageCode)
	}
	if cfg.Sync.NormalIntervalMinutes != 6 || cfg.Sync.EmergencyIntervalMinutes != 6 {
		t.Errorf("Intervals mismatch: got %d/%d, want 6/6",
			cfg.Sync.NormalIntervalMinutes, cfg.Sync.EmergencyIntervalMinutes)
	}
	if cfg.Stream.MaxReconnects != 3 || cfg.Stream.ReconnectDelay != 2*time.Second {
		t.Errorf("Retry mismatch: got %d/%v, want 3/2s", cfg.Stream.MaxReconnects, cfg.Stream.ReconnectDelay)
	}
	if cfg.Dedup.Window != 30*time.Minute {
		t.Errorf("Dedup window mismatch: got %v, want 30m", cfg.Dedup.Window)
	}

	ec := cfg.EngineConfig()
	if ec.Cloud.BaseURL != "https://sync.example.org" {
		t.Errorf("BaseURL mismatch: got %s", ec.Cloud.BaseURL)
	}
	if ec.Location.TTL != 60*time.Second {
		t.Errorf("Location TTL mismatch: got %v, want 60s", ec.Location.TTL)
	}
	if ec.Heartbeat.SettingsWait != 3*time.Second {
		t.Errorf("SettingsWait mismatch: got %v, want 3s", ec.Heartbeat.SettingsWait)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, minimalYAML+`
device:
  id: dev-42
  language_code: en
sync:
  normal_interval_minutes: 10
  emergency_interval_minutes: 2
stream:
  enabled: false
  max_reconnects: 5
  reconnect_delay: 500ms
  read_timeout: 2m
platform:
  runtime: desktop
  event_url: ""
  command_url: ""
api:
  listen: 0.0.0.0:9000
  enable_debug: true
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.DeviceID != "dev-42" || ec.LanguageCode != "en" {
		t.Errorf("Device mismatch: got %s/%s", ec.DeviceID, ec.LanguageCode)
	}
	if ec.NormalIntervalMinutes != 10 || ec.EmergencyIntervalMinutes != 2 {
		t.Errorf("Intervals mismatch: got %d/%d, want 10/2", ec.NormalIntervalMinutes, ec.EmergencyIntervalMinutes)
	}
	if ec.StreamEnabled {
		t.Error("Expected stream disabled")
	}
	if ec.Stream.Retry.MaxAttempts != 5 || ec.Stream.Retry.Delay != 500*time.Millisecond {
		t.Errorf("Retry mismatch: got %+v", ec.Stream.Retry)
	}
	if ec.Stream.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout mismatch: got %v, want 2m", ec.Stream.IdleTimeout)
	}
	if ec.Bridge.EventURL != "" {
		t.Errorf("EventURL mismatch: got %q, want empty", ec.Bridge.EventURL)
	}

	ac := cfg.APIConfig()
	if ac.Listen != "0.0.0.0:9000" || !ac.EnableDebug {
		t.Errorf("API mismatch: got %+v", ac)
	}
}

func TestRuntimeKindFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHELTERLINK_RUNTIME", "")
	cfg, err := Load(writeConfig(t, minimalYAML+`
platform:
  runtime: mobile
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if kind := cfg.EngineConfig().Bridge.Runtime.Kind; kind != platform.RuntimeMobile {
		t.Errorf("Runtime mismatch: got %s, want mobile", kind)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvDeviceID, "env-device")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cloud.APIKey != "from-env" {
		t.Errorf("APIKey mismatch: got %s, want from-env", cfg.Cloud.APIKey)
	}
	if cfg.Device.ID != "env-device" {
		t.Errorf("Device ID mismatch: got %s, want env-device", cfg.Device.ID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level mismatch: got %s, want debug", cfg.Logging.Level)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv(EnvAPIKey)
	envFile := filepath.Join(t.TempDir(), "agent.env")
	if err := os.WriteFile(envFile, []byte(EnvAPIKey+"=dotenv-key\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvAPIKey) })

	cfg, err := Load(writeConfig(t, `
cloud:
  base_url: https://sync.example.org
`), envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cloud.APIKey != "dotenv-key" {
		t.Errorf("APIKey mismatch: got %s, want dotenv-key", cfg.Cloud.APIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing api key", "cloud:\n  base_url: https://sync.example.org\n", "Cloud.APIKey"},
		{"bad base url", "cloud:\n  base_url: not a url\n  api_key: k\n", "Cloud.BaseURL"},
		{"zero interval", minimalYAML + "sync:\n  normal_interval_minutes: 0\n", "Sync.NormalIntervalMinutes"},
		{"unknown runtime", minimalYAML + "platform:\n  runtime: watch\n", "Platform.Runtime"},
		{"bad listen", minimalYAML + "api:\n  listen: nowhere\n", "API.Listen"},
		{"short dedup window", minimalYAML + "dedup:\n  window: 10s\n", "Dedup.Window"},
		{"broker without topic", minimalYAML + "mqtt:\n  broker: tcp://localhost:1883\n  topic: \"\"\n", "MQTT.Topic"},
		{"bad qos", minimalYAML + "mqtt:\n  qos: 3\n", "MQTT.QoS"},
		{"bad log format", minimalYAML + "logging:\n  format: xml\n", "Logging.Format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Error should name %s: got %v", tt.field, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	defer logrus.SetLevel(logrus.InfoLevel)

	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	closer, err := SetupLogging(Logging{Level: "warn", Format: "json", File: path})
	if err != nil {
		t.Fatalf("SetupLogging failed: %v", err)
	}
	logrus.WithField("component", "test").Warn("written")
	logrus.Info("filtered")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"written"`) {
		t.Errorf("Expected JSON entry in log file: got %s", data)
	}
	if strings.Contains(string(data), "filtered") {
		t.Error("Info entry should be filtered at warn level")
	}

	if _, err := SetupLogging(Logging{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}
