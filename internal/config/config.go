// Package config loads the demo binary's environment into
// CoreOptions, the plain struct the core packages are wired from.
// This package exists only to make cmd/mtc-agent-core runnable the way
// the teacher's own internal/config exists only for cmd/tr-engine —
// a hosting collaborator embedding these packages directly is free to
// build CoreOptions by hand instead.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// CoreOptions enumerates the configuration keys spec.md §6.4 lists as
// consumed by the core, plus the demo binary's own source/transport
// selection and logging knobs.
type CoreOptions struct {
	// Buffer (§4.7)
	BufferSize          int `env:"BUFFER_SIZE" envDefault:"131072"`
	CheckpointFrequency int `env:"CHECKPOINT_FREQUENCY" envDefault:"1000"`

	// Connector / adapter timing (§4.10-§4.11)
	LegacyTimeout     time.Duration `env:"LEGACY_TIMEOUT" envDefault:"600s"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" envDefault:"10s"`
	Heartbeat         time.Duration `env:"HEARTBEAT" envDefault:"10s"`
	Count             int           `env:"COUNT" envDefault:"1000"`

	// Mapping behavior (§4.2-§4.6)
	IgnoreTimestamps   bool `env:"IGNORE_TIMESTAMPS" envDefault:"false"`
	RelativeTime       bool `env:"RELATIVE_TIME" envDefault:"false"`
	ConversionRequired bool `env:"CONVERSION_REQUIRED" envDefault:"true"`
	UpcaseValue        bool `env:"UPCASE_VALUE" envDefault:"true"`
	FilterDuplicates   bool `env:"FILTER_DUPLICATES" envDefault:"true"`
	AutoAvailable      bool `env:"AUTO_AVAILABLE" envDefault:"false"`
	PreserveUUID       bool `env:"PRESERVE_UUID" envDefault:"false"`

	// Device scoping
	Device       string `env:"DEVICE"`
	SourceDevice string `env:"SOURCE_DEVICE"`

	// Source transport selection for cmd/mtc-agent-core: "shdr" dials a
	// line-oriented adapter over TCP, "agent" polls/streams an upstream
	// MTConnect agent over HTTP.
	SourceKind string `env:"SOURCE_KIND" envDefault:"shdr"`
	SourceHost string `env:"SOURCE_HOST" envDefault:"localhost"`
	SourcePort int    `env:"SOURCE_PORT" envDefault:"7878"`

	// Supplemental MQTT publish bridge (SPEC_FULL.md §10.1); disabled
	// when MQTTBrokerURL is empty.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"mtc-agent-core"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"mtconnect"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars,
// matching the teacher's Overrides/Load split in internal/config.
type Overrides struct {
	EnvFile    string
	SourceKind string
	SourceHost string
	LogLevel   string
}

// Load reads configuration from a .env file, environment variables,
// and CLI overrides, in that increasing priority order — the same
// precedence the teacher's Load documents.
func Load(overrides Overrides) (*CoreOptions, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &CoreOptions{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.SourceKind != "" {
		cfg.SourceKind = overrides.SourceKind
	}
	if overrides.SourceHost != "" {
		cfg.SourceHost = overrides.SourceHost
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	return cfg, nil
}
