package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/nettest"

	"github.com/postalsys/wolbridge/internal/protocol"
)

// namedResponder returns a server-side bridge that has accepted a
// heartbeat request for interval.
func namedResponder(t *testing.T, env *testEnv, seconds string) (*Connection, net.Conn) {
	t.Helper()
	c, remote := startInbound(t, env)
	writeFrame(t, remote, protocol.CommandName, "Lab1")
	writeFrame(t, remote, protocol.CommandHeartbeatRequest, seconds)
	waitFor(t, "heartbeat interval", func() bool { return c.HeartbeatInterval() > 0 })
	return c, remote
}

func TestHeartbeatTick_ResponderCadence(t *testing.T) {
	env := newTestEnv(t)
	c, remote := namedResponder(t, env, "5")

	// One heartbeat per five one-second ticks.
	for i := 0; i < 4; i++ {
		c.HeartbeatTick(time.Second)
	}
	if v := testutil.ToFloat64(env.metrics.HeartbeatsSent); v != 0 {
		t.Fatalf("heartbeats sent after 4s = %v, want 0", v)
	}

	c.HeartbeatTick(time.Second)
	if f := readFrame(t, remote); f.Command != protocol.CommandHeartbeat {
		t.Errorf("frame = %s, want HEARTBEAT", f.Command)
	}

	for i := 0; i < 5; i++ {
		c.HeartbeatTick(time.Second)
	}
	if f := readFrame(t, remote); f.Command != protocol.CommandHeartbeat {
		t.Errorf("frame = %s, want HEARTBEAT", f.Command)
	}

	if v := testutil.ToFloat64(env.metrics.HeartbeatsSent); v != 2 {
		t.Errorf("heartbeats sent = %v, want 2", v)
	}
}

func TestHeartbeatTick_ResponderDisabled(t *testing.T) {
	env := newTestEnv(t)
	c, remote := namedResponder(t, env, "5")

	env.enabled.Store(false)
	for i := 0; i < 15; i++ {
		c.HeartbeatTick(time.Second)
	}

	if v := testutil.ToFloat64(env.metrics.HeartbeatsSent); v != 0 {
		t.Errorf("heartbeats sent while disabled = %v, want 0", v)
	}
	if v := testutil.ToFloat64(env.metrics.HeartbeatsSkipped); v != 3 {
		t.Errorf("heartbeats skipped = %v, want 3", v)
	}

	// Re-enabling resumes on the next full window.
	env.enabled.Store(true)
	for i := 0; i < 5; i++ {
		c.HeartbeatTick(time.Second)
	}
	if f := readFrame(t, remote); f.Command != protocol.CommandHeartbeat {
		t.Errorf("frame = %s, want HEARTBEAT", f.Command)
	}
}

func TestHeartbeatTick_RequesterLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener() error = %v", err)
	}
	defer ln.Close()

	c := NewBridgeClient(context.Background(), Bridge{
		Name:             "Lab1",
		Endpoint:         ln.Addr().String(),
		HeartbeatSeconds: 5,
	}, env.opts)
	c.Start()
	defer func() {
		c.Close()
		c.Wait()
	}()

	first := acceptOne(t, ln)
	readFrame(t, first)
	readFrame(t, first)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	// A heartbeat inside the window renews the lease.
	for i := 0; i < 4; i++ {
		c.HeartbeatTick(time.Second)
	}
	writeFrame(t, first, protocol.CommandHeartbeat, "")
	waitFor(t, "lease reset", func() bool { return c.elapsed.Load() == 0 })
	for i := 0; i < 4; i++ {
		c.HeartbeatTick(time.Second)
	}
	if v := testutil.ToFloat64(env.metrics.HeartbeatTimeouts); v != 0 {
		t.Fatalf("timeouts = %v before the lease ran out", v)
	}

	// Silence for the whole lease forces a reconnect.
	c.HeartbeatTick(time.Second)
	if v := testutil.ToFloat64(env.metrics.HeartbeatTimeouts); v != 1 {
		t.Errorf("timeouts = %v, want 1", v)
	}

	second := acceptOne(t, ln)
	if f := readFrame(t, second); f.Command != protocol.CommandName {
		t.Errorf("handshake after timeout = %s, want NAME", f.Command)
	}
	if f := readFrame(t, second); f.Command != protocol.CommandHeartbeatRequest || f.Text() != "5" {
		t.Errorf("heartbeat request after timeout = %s %q", f.Command, f.Text())
	}
	waitFor(t, "reconnected", func() bool { return c.State() == StateConnected })
}

func TestHeartbeatTick_RequesterIgnoredWhileDisconnected(t *testing.T) {
	env := newTestEnv(t)
	c := NewBridgeClient(context.Background(), Bridge{Name: "Lab1", Endpoint: "127.0.0.1:1", HeartbeatSeconds: 5}, env.opts)
	defer c.Close()

	for i := 0; i < 20; i++ {
		c.HeartbeatTick(time.Second)
	}
	if v := testutil.ToFloat64(env.metrics.HeartbeatTimeouts); v != 0 {
		t.Errorf("timeouts while disconnected = %v, want 0", v)
	}
}

func TestHeartbeatTick_ClosedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	c, _ := namedResponder(t, env, "5")
	c.Close()

	for i := 0; i < 10; i++ {
		c.HeartbeatTick(time.Second)
	}
	if v := testutil.ToFloat64(env.metrics.HeartbeatsSent); v != 0 {
		t.Errorf("heartbeats sent after close = %v, want 0", v)
	}
}
