// Package mqttbridge implements a supplemental publish sink: it
// subscribes to the change-notification core (spec.md §4.8) and mirrors
// every observation the circular buffer accepts onto an MQTT broker, a
// sink parallel to the REST streaming surface this core does not
// itself implement.
//
// mqtt_client.hpp shows the real agent doing exactly this — publishing
// device, asset, and observation updates to a configured broker as one
// of several simultaneous sinks. The connect/reconnect shape here is
// adapted from the teacher's mqttclient.Client (SetAutoReconnect,
// SetConnectionLostHandler, an atomic "connected" flag) to a
// publish-only role: there is no SetMessageHandler/subscribe side,
// since this package only ever writes to the broker.
package mqttbridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/observation"
	"github.com/snarg/mtc-agent-core/internal/signal"
	"github.com/snarg/mtc-agent-core/internal/stream"
)

// Options configures the bridge's broker connection and publish
// behavior.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TopicPrefix is prepended to every published topic; defaults to
	// "mtconnect".
	TopicPrefix string
	QoS         byte
	Retained    bool

	// RangeSize bounds how many buffered observations Run fetches per
	// wake; defaults to 500.
	RangeSize int

	Log zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "mtconnect"
	}
	if o.RangeSize <= 0 {
		o.RangeSize = 500
	}
}

// Bridge is one broker connection mirroring buffer observations to
// MQTT. Create one with Connect and drive it with Run.
type Bridge struct {
	conn mqtt.Client
	opts Options
	log  zerolog.Logger

	buf      *buffer.Buffer
	signaler *signal.Signaler

	connected atomic.Bool
	streamer  *stream.Streamer
}

// Connect dials opts.BrokerURL and returns a Bridge ready to Run once
// connected (Connect blocks until the initial connection succeeds or
// fails, matching mqttclient.Connect).
func Connect(buf *buffer.Buffer, signaler *signal.Signaler, opts Options) (*Bridge, error) {
	opts.setDefaults()
	b := &Bridge{opts: opts, log: opts.Log, buf: buf, signaler: signaler}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	b.conn = mqtt.NewClient(clientOpts)
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) onConnect(mqtt.Client) {
	b.connected.Store(true)
	b.log.Info().Str("broker", b.opts.BrokerURL).Msg("mqtt bridge connected")
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt bridge connection lost, will auto-reconnect")
}

// IsConnected reports the broker connection state.
func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.log.Info().Msg("disconnecting mqtt bridge")
	b.conn.Disconnect(1000)
}

// Run starts a signal-driven Streamer at the buffer's current end (only
// observations published after Run starts are mirrored) and publishes
// each one until ctx is canceled or Stop is called.
func (b *Bridge) Run(ctx context.Context) error {
	_, next := b.buf.Bounds()
	b.streamer = stream.New(b.buf, b.signaler, next, true, 0, 30*time.Second)
	return b.streamer.Run(ctx, b.handle)
}

// Stop ends Run's loop at the next wake.
func (b *Bridge) Stop() {
	if b.streamer != nil {
		b.streamer.Stop()
	}
}

func (b *Bridge) handle(ctx context.Context, sequence observation.Sequence) (observation.Sequence, bool, error) {
	obs, end, eob := b.buf.Range(sequence, b.opts.RangeSize, 0, nil)
	for _, o := range obs {
		if err := b.publish(o); err != nil {
			b.log.Warn().Err(err).Str("dataItemId", o.DataItemID).Msg("mqtt bridge: publish failed, continuing")
		}
	}
	return end, eob, nil
}

func (b *Bridge) publish(obs observation.Observation) error {
	token := b.conn.Publish(topicFor(b.opts.TopicPrefix, obs.DataItemID), b.opts.QoS, b.opts.Retained, payload(obs))
	token.Wait()
	return token.Error()
}

func topicFor(prefix, dataItemID string) string {
	return prefix + "/" + strings.Trim(dataItemID, "/")
}

// payload renders an observation as a compact line, not full XML/JSON
// entity rendering (spec.md's Non-goals exclude response rendering):
// "<sequence>|<timestamp>|<value-or-UNAVAILABLE>".
func payload(obs observation.Observation) []byte {
	var value string
	switch {
	case obs.Unavailable:
		value = "UNAVAILABLE"
	case obs.Kind == observation.KindSample:
		value = strconv.FormatFloat(obs.Value, 'f', -1, 64)
	case obs.Kind == observation.KindCondition:
		value = obs.Level.String()
	case obs.Kind == observation.KindEvent:
		value = obs.Text
	case obs.Kind == observation.KindMessage:
		value = obs.Message
	default:
		value = obs.Text
	}
	return []byte(fmt.Sprintf("%d|%s|%s", obs.Sequence, obs.Timestamp.Format(time.RFC3339Nano), value))
}
