// Command mtc-agent-core is a minimal demo host: it builds a small
// fixture device model, wires the circular buffer, change signaler,
// and pipeline core together, starts one ingestion source (a Line
// Connector or an Agent Adapter, selected by SOURCE_KIND), and
// optionally mirrors accepted observations to an MQTT broker.
//
// It exists the way the teacher's cmd/tr-engine exists: to make the
// packages in this repository runnable end to end, not as a
// production agent host (XML/JSON rendering, database persistence,
// authentication, and scheduling are all out of scope per spec.md's
// Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/config"
	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/metrics"
	"github.com/snarg/mtc-agent-core/internal/mqttbridge"
	"github.com/snarg/mtc-agent-core/internal/pipeline"
	"github.com/snarg/mtc-agent-core/internal/signal"
	"github.com/snarg/mtc-agent-core/internal/source/agentsource"
	"github.com/snarg/mtc-agent-core/internal/source/shdrsource"
	"github.com/snarg/mtc-agent-core/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.SourceKind, "source-kind", "", "Ingestion source: shdr or agent (overrides SOURCE_KIND)")
	flag.StringVar(&overrides.SourceHost, "source-host", "", "Upstream adapter/agent host (overrides SOURCE_HOST)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := telemetry.NewBase(os.Stderr, "info")
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log := telemetry.NewBase(os.Stdout, cfg.LogLevel)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("source_kind", cfg.SourceKind).
		Msg("mtc-agent-core starting")

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := fixtureModel(log)

	buf := buffer.New(cfg.BufferSize, cfg.CheckpointFrequency)
	sig := signal.NewSignaler()
	core := pipeline.New(model, buf, sig, cfg.AutoAvailable, pipeline.Hooks{
		OnSourceFailed: func(sourceID string) {
			log.Error().Str("source", sourceID).Msg("ingestion source failed permanently")
		},
		OnConnectStatus: func(sourceID string, devices []*devicemodel.Device, connected bool) {
			log.Info().Str("source", sourceID).Bool("connected", connected).Msg("source connect status changed")
		},
	}, telemetry.Component(log, "pipeline"))

	collector := metrics.NewCollector(buf, sig)
	if err := prometheus.Register(collector); err != nil {
		log.Warn().Err(err).Msg("failed to register metrics collector")
	}

	errCh := make(chan error, 2)

	switch cfg.SourceKind {
	case "agent":
		adapter := agentsource.New(model, core, agentsource.Options{
			Host:              cfg.SourceHost,
			Port:              cfg.SourcePort,
			Device:            cfg.Device,
			Count:             cfg.Count,
			Heartbeat:         cfg.Heartbeat,
			ReconnectInterval: cfg.ReconnectInterval,
			Log:               telemetry.Source(log, fmt.Sprintf("%s:%d", cfg.SourceHost, cfg.SourcePort)),
		})
		go func() { errCh <- adapter.Run(ctx) }()
	default:
		connector := shdrsource.New(model, core, shdrsource.Options{
			Address:           fmt.Sprintf("%s:%d", cfg.SourceHost, cfg.SourcePort),
			Device:            cfg.Device,
			LegacyTimeout:     cfg.LegacyTimeout,
			ReconnectInterval: cfg.ReconnectInterval,
			IgnoreTimestamps:  cfg.IgnoreTimestamps,
			RelativeTime:      cfg.RelativeTime,
			Log:               telemetry.Source(log, fmt.Sprintf("%s:%d", cfg.SourceHost, cfg.SourcePort)),
		})
		go func() { errCh <- connector.Run(ctx) }()
	}

	if cfg.MQTTBrokerURL != "" {
		bridge, err := mqttbridge.Connect(buf, sig, mqttbridge.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Log:         telemetry.Component(log, "mqttbridge"),
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to connect mqtt bridge, continuing without it")
		} else {
			defer bridge.Close()
			go func() { errCh <- bridge.Run(ctx) }()
		}
	}

	log.Info().Dur("startup_ms", time.Since(startTime)).Msg("mtc-agent-core ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("ingestion source exited")
		}
	}

	log.Info().Msg("mtc-agent-core stopped")
}

// fixtureModel builds a small single-device catalogue so the binary has
// something to ingest against without an XML device-definition loader,
// which spec.md's Non-goals leave to the hosting collaborator.
func fixtureModel(log zerolog.Logger) *devicemodel.Model {
	b := devicemodel.NewBuilder(log)
	dev := b.AddDevice("mill-001", "Mill1")
	controller := b.AddComponent(dev, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{
		Key:            "avail",
		Category:       devicemodel.CategoryEvent,
		Representation: devicemodel.RepresentationValue,
	}, controller)
	b.AddDataItem(devicemodel.DataItem{
		Key:            "execution",
		Category:       devicemodel.CategoryEvent,
		Representation: devicemodel.RepresentationValue,
	}, controller)
	b.AddDataItem(devicemodel.DataItem{
		Key:            "Xact",
		Category:       devicemodel.CategorySample,
		Representation: devicemodel.RepresentationValue,
		Units:          "MILLIMETER",
		NativeUnits:    "MILLIMETER",
	}, controller)
	return b.Build()
}
