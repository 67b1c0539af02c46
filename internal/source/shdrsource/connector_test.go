package shdrsource

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/pipeline"
	"github.com/snarg/mtc-agent-core/internal/signal"
)

func buildConnectorTestModel() (*devicemodel.Model, *pipeline.Core, *buffer.Buffer) {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev := b.AddDevice("dev1", "Mill1")
	comp := b.AddComponent(dev, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{Key: "a", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationValue}, comp)
	model := b.Build()

	buf := buffer.New(16, 4)
	sig := signal.NewSignaler()
	core := pipeline.New(model, buf, sig, false, pipeline.Hooks{}, zerolog.Nop())
	return model, core, buf
}

func waitForObservation(t *testing.T, buf *buffer.Buffer, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		latest := buf.Latest(nil)
		if v, ok := latest.Values[key]; ok && v.Text == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s=%s", key, want)
}

func newTestConnector(model *devicemodel.Model, core *pipeline.Core, clientConn net.Conn, opts Options) *Connector {
	opts.Log = zerolog.Nop()
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Hour
	}
	if opts.LegacyTimeout <= 0 {
		opts.LegacyTimeout = 2 * time.Second
	}
	c := New(model, core, opts)
	c.dial = func(ctx context.Context, address string) (net.Conn, error) {
		return clientConn, nil
	}
	return c
}

func TestConnectorLegacyModeDeliversObservation(t *testing.T) {
	model, core, buf := buildConnectorTestModel()
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newTestConnector(model, core, clientConn, Options{Address: "ignored"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	reader := bufio.NewReader(serverConn)
	line, err := reader.ReadString('\n')
	if err != nil || line != "* PING\n" {
		t.Fatalf("expected initial PING, got %q err=%v", line, err)
	}

	if _, err := serverConn.Write([]byte("2021-01-19T10:00:00Z|a|READY\n")); err != nil {
		t.Fatalf("write data line: %v", err)
	}

	waitForObservation(t, buf, "a", "READY")

	if got := c.State(); got != StateRunning {
		t.Errorf("expected StateRunning in legacy mode, got %v", got)
	}

	cancel()
	serverConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestConnectorHeartbeatModeSendsPeriodicPing(t *testing.T) {
	model, core, buf := buildConnectorTestModel()
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newTestConnector(model, core, clientConn, Options{Address: "ignored"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		serverConn.Close()
		<-done
	}()

	reader := bufio.NewReader(serverConn)
	if line, err := reader.ReadString('\n'); err != nil || line != "* PING\n" {
		t.Fatalf("expected initial PING, got %q err=%v", line, err)
	}

	if _, err := serverConn.Write([]byte("* PONG 30\n")); err != nil {
		t.Fatalf("write PONG: %v", err)
	}
	if _, err := serverConn.Write([]byte("2021-01-19T10:00:00Z|a|READY\n")); err != nil {
		t.Fatalf("write data line: %v", err)
	}

	waitForObservation(t, buf, "a", "READY")

	if got := c.State(); got != StateHeartbeatWait {
		t.Errorf("expected StateHeartbeatWait, got %v", got)
	}

	line, err := reader.ReadString('\n')
	if err != nil || line != "* PING\n" {
		t.Fatalf("expected periodic PING from client, got %q err=%v", line, err)
	}
}

func TestConnectorDeviceMetadataCommandsReachContract(t *testing.T) {
	model, core, _ := buildConnectorTestModel()
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newTestConnector(model, core, clientConn, Options{Address: "ignored"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		serverConn.Close()
		<-done
	}()

	reader := bufio.NewReader(serverConn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("expected initial PING: %v", err)
	}

	if _, err := serverConn.Write([]byte("* uuid: MILL-001\n")); err != nil {
		t.Fatalf("write uuid command: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := c.Metadata()["uuid"]; ok && v == "MILL-001" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for uuid metadata to be recorded")
}
