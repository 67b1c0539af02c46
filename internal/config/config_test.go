package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.BufferSize != 131072 {
			t.Errorf("BufferSize = %d, want 131072", cfg.BufferSize)
		}
		if cfg.SourceKind != "shdr" {
			t.Errorf("SourceKind = %q, want shdr", cfg.SourceKind)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if !cfg.FilterDuplicates {
			t.Error("FilterDuplicates = false, want true")
		}
		if cfg.AutoAvailable {
			t.Error("AutoAvailable = true, want false by default")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{"SOURCE_KIND": "agent"})
		defer cleanup()

		cfg, err := Load(Overrides{
			EnvFile:    "nonexistent.env",
			SourceKind: "shdr",
			LogLevel:   "debug",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SourceKind != "shdr" {
			t.Errorf("SourceKind = %q, want override shdr to win", cfg.SourceKind)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{
			"MQTT_BROKER_URL": "tcp://localhost:1883",
			"COUNT":           "250",
		})
		defer cleanup()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTBrokerURL != "tcp://localhost:1883" {
			t.Errorf("MQTTBrokerURL = %q, want tcp://localhost:1883", cfg.MQTTBrokerURL)
		}
		if cfg.Count != 250 {
			t.Errorf("Count = %d, want 250", cfg.Count)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{"SOURCE_HOST": "mill-001.local"})
		defer cleanup()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SourceHost != "mill-001.local" {
			t.Errorf("SourceHost = %q, want env value mill-001.local", cfg.SourceHost)
		}
	})
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
