// Package shdrsource implements the Line Connector (spec.md §4.10): a
// TCP client for SHDR adapters. It drives a small connect/run/reconnect
// state machine around a single net.Conn, negotiates the PING/PONG
// heartbeat handshake, and feeds every non-protocol line into the
// pipeline package's stage chain.
//
// The reconnect-forever shape (dial, run until the connection drops,
// sleep a fixed interval, repeat) is grounded on the teacher's
// mqttclient.Client, generalized from paho's built-in auto-reconnect to
// an explicit loop since net.Conn offers no equivalent.
package shdrsource

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/pipeline"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
	"github.com/snarg/mtc-agent-core/internal/source"
)

// State is one node of the Line Connector's state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRunning
	StateHeartbeatWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRunning:
		return "RUNNING"
	case StateHeartbeatWait:
		return "HEARTBEAT_WAIT"
	default:
		return "UNKNOWN"
	}
}

const defaultHeartbeatFrequency = 10 * time.Second

// Options configures one Line Connector session.
type Options struct {
	Address string // host:port of the SHDR adapter

	// SourceID identifies this connector in DeliverConnectStatus and
	// SourceFailed calls; defaults to Address when empty.
	SourceID string

	// Device is the uuid or name this connector's data-item keys
	// resolve against by default. Empty searches the whole model; a
	// "* device: ..." command can rebind it mid-session.
	Device string

	// LegacyTimeout bounds inactivity when no heartbeat PONG is ever
	// received. Defaults to 600s, matching connector.hpp's default.
	LegacyTimeout time.Duration

	// ReconnectInterval is the fixed delay between a dropped connection
	// and the next dial attempt. spec.md §4.10 specifies no backoff.
	ReconnectInterval time.Duration

	IgnoreTimestamps bool
	RelativeTime     bool

	Log zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.LegacyTimeout <= 0 {
		o.LegacyTimeout = 600 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.SourceID == "" {
		o.SourceID = o.Address
	}
}

// Connector is a single Line Connector session manager. Create one with
// New and drive it with Run until its context is canceled or Stop is
// called.
type Connector struct {
	opts     Options
	model    *devicemodel.Model
	contract pipeline.Contract
	log      zerolog.Logger

	dial func(ctx context.Context, address string) (net.Conn, error)
	now  func() time.Time

	state   atomic.Int32
	stopCh  chan struct{}
	stopped atomic.Bool

	mu                 sync.Mutex
	device             *devicemodel.Device
	conversionRequired bool
	realTime           bool
	metadata           map[string]string
}

// New returns a Connector bound to model and contract. The zero value of
// Options is usable; setDefaults fills in LegacyTimeout and
// ReconnectInterval.
func New(model *devicemodel.Model, contract pipeline.Contract, opts Options) *Connector {
	opts.setDefaults()
	c := &Connector{
		opts:               opts,
		model:              model,
		contract:           contract,
		log:                opts.Log,
		now:                time.Now,
		stopCh:             make(chan struct{}),
		conversionRequired: true,
		metadata:           make(map[string]string),
	}
	c.dial = func(ctx context.Context, address string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
	if opts.Device != "" {
		if dev, ok := model.FindDevice(opts.Device); ok {
			c.device = dev
		}
	}
	return c
}

// State reports the connector's current state-machine node.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Stop asks Run to return at the next opportunity, closing any
// in-progress connection wait.
func (c *Connector) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
}

// Metadata returns the device-metadata setter values received so far
// (uuid, manufacturer, serialNumber, station, description, nativeName,
// calibration), keyed by command name.
func (c *Connector) Metadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Run dials opts.Address, processes lines until the connection drops or
// ctx is canceled, then reconnects after ReconnectInterval. It returns
// ctx.Err() when ctx is canceled and nil when Stop is called; a failed
// dial or a dropped session is logged, reported as disconnected through
// DeliverConnectStatus and retried, never reported through SourceFailed.
func (c *Connector) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.runOnce(ctx); err != nil {
			c.log.Warn().Err(err).Str("address", c.opts.Address).Msg("shdr connector session ended")
		}
		c.contract.DeliverConnectStatus(c.opts.SourceID, c.currentDevices(), false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Connector) currentDevices() []*devicemodel.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	return []*devicemodel.Device{c.device}
}

// runOnce runs exactly one connect-to-disconnect session.
func (c *Connector) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx, c.opts.Address)
	if err != nil {
		return source.Wrap(c.opts.SourceID, source.AdapterFailed, err)
	}
	defer conn.Close()

	c.setState(StateConnected)
	if _, err := conn.Write([]byte("* PING\n")); err != nil {
		return source.Wrap(c.opts.SourceID, source.AdapterFailed, err)
	}

	sess := &session{
		conn:      conn,
		connector: c,
		extractor: shdr.New(c.opts.IgnoreTimestamps, c.opts.RelativeTime, c.log),
		mapper:    shdr.NewMapper(c.model, c.log),
		legacy:    c.opts.LegacyTimeout,
		pingStop:  make(chan struct{}),
	}
	c.contract.DeliverConnectStatus(c.opts.SourceID, c.currentDevices(), true)
	return sess.run(ctx)
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
}

// session holds the per-connection state a runOnce call owns: the
// socket, the SHDR stage objects, and the heartbeat bookkeeping that
// only makes sense for the lifetime of one TCP connection.
type session struct {
	conn      net.Conn
	connector *Connector
	extractor *shdr.Extractor
	mapper    *shdr.Mapper

	legacy time.Duration

	heartbeat bool
	frequency time.Duration
	pingStop  chan struct{}
	pingWG    sync.WaitGroup
	writeMu   sync.Mutex
}

func (s *session) run(ctx context.Context) error {
	defer s.stopPing()

	buf := make([]byte, 0, 4096)
	read := make([]byte, 4096)
	seenPong := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deadline := s.legacy
		if s.heartbeat {
			deadline = 2 * s.frequency
		}
		s.conn.SetReadDeadline(s.connector.now().Add(deadline))

		n, err := s.conn.Read(read)
		if err != nil {
			return source.Wrap(s.connector.opts.SourceID, source.StreamClosed, err)
		}
		buf = append(buf, read[:n]...)

		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(buf[:idx]), "\r")
			buf = buf[idx+1:]

			if strings.HasPrefix(line, "* PONG") {
				seenPong = true
				s.enterHeartbeatMode(line)
				continue
			}
			if !seenPong {
				seenPong = true
				if !s.heartbeat {
					s.connector.setState(StateRunning)
				}
			}
			s.handleLine(line)
		}
	}
}

func (s *session) enterHeartbeatMode(line string) {
	if s.heartbeat {
		// a PONG outside the handshake just refreshes the read deadline
		return
	}
	s.heartbeat = true
	s.connector.setState(StateHeartbeatWait)

	freqMS := 0
	fields := strings.Fields(line)
	if len(fields) >= 3 {
		if ms, err := strconv.Atoi(fields[2]); err == nil {
			freqMS = ms
		}
	}
	s.frequency = time.Duration(freqMS) * time.Millisecond
	if s.frequency <= 0 {
		s.frequency = defaultHeartbeatFrequency
	}

	s.pingWG.Add(1)
	go s.pingLoop()
}

func (s *session) pingLoop() {
	defer s.pingWG.Done()
	ticker := time.NewTicker(s.frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_, _ = s.conn.Write([]byte("* PING\n"))
			s.writeMu.Unlock()
		case <-s.pingStop:
			return
		}
	}
}

func (s *session) stopPing() {
	if s.heartbeat {
		close(s.pingStop)
		s.pingWG.Wait()
	}
}

func (s *session) handleLine(line string) {
	if !strings.HasPrefix(line, "*") {
		c := s.connector
		c.mu.Lock()
		device := c.device
		c.mu.Unlock()
		pipeline.ProcessSHDRLine(s.extractor, s.mapper, c.contract, device, line)
		return
	}
	if line == "* PING" {
		return
	}
	s.handleProtocolCommand(line)
}

// handleProtocolCommand parses "* key: value" lines, matching
// Adapter::protocolCommand's substr(2, colon-2) split. Device-metadata
// setters and behavior flags are applied locally; device rebinding
// resolves against the model; every other protocol line (including
// ones this connector doesn't specially recognize) still reaches the
// contract's generic command hook.
func (s *session) handleProtocolCommand(line string) {
	idx := strings.IndexByte(line, ':')
	if idx < 2 {
		s.connector.contract.DeliverCommand(line)
		return
	}
	key := strings.TrimSpace(line[2:idx])
	value := strings.TrimSpace(line[idx+1:])
	c := s.connector

	switch key {
	case "uuid", "manufacturer", "serialNumber", "station", "description", "nativeName", "calibration":
		c.mu.Lock()
		c.metadata[key] = value
		c.mu.Unlock()
		c.contract.DeliverCommand(line)
	case "conversionRequired":
		c.mu.Lock()
		c.conversionRequired = isTrue(value)
		c.mu.Unlock()
	case "relativeTime":
		s.extractor.SetRelativeTime(isTrue(value))
	case "realTime":
		c.mu.Lock()
		c.realTime = isTrue(value)
		c.mu.Unlock()
	case "device":
		dev, ok := c.contract.FindDevice(value)
		if !ok {
			c.log.Error().Str("device", value).Msg("shdr connector: cannot find device for device command")
			return
		}
		c.mu.Lock()
		c.device = dev
		c.mu.Unlock()
		c.contract.DeliverDevice(dev)
	default:
		c.contract.DeliverCommand(line)
	}
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
