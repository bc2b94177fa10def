package integration

import (
	"testing"
	"time"

	"github.com/postalsys/wolbridge/internal/config"
	"github.com/postalsys/wolbridge/internal/peer"
)

// TestBridgeReconnectsAfterServerRestart stops the server a bridge points at
// and starts a new one on the same address.
func TestBridgeReconnectsAfterServerRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	a := startNode(t, nodeConfig("A"))
	addrA := a.addr()

	cfgB := nodeConfig("B")
	cfgB.Bridges = []config.BridgeConfig{{Name: "B", Address: addrA}}
	b := startNode(t, cfgB)

	waitForBridge(t, a, "B", peer.RoleBridgeServerSide)
	first := waitForBridge(t, b, "B", peer.RoleBridgeClientSide)

	a.srv.Stop()

	cfgA := nodeConfig("A")
	cfgA.Server.Listen = addrA
	a2 := startNode(t, cfgA)

	waitForBridge(t, a2, "B", peer.RoleBridgeServerSide)
	second := waitForBridge(t, b, "B", peer.RoleBridgeClientSide)
	if second.ID != first.ID {
		t.Errorf("bridge connection replaced (%s -> %s), want the same connection reconnected", first.ID, second.ID)
	}

	clientSend(t, a2.addr(), "B,pc4")
	b.wakes.expect(t, "pc4")
}

// TestHeartbeatLeaseExpiry disables heartbeat transmission on the honoring
// side and expects the requesting side to drop the link and reconnect.
func TestHeartbeatLeaseExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfgA := nodeConfig("A")
	cfgA.Connections.HeartbeatTick = 100 * time.Millisecond
	a := startNode(t, cfgA)

	cfgB := nodeConfig("B")
	cfgB.Connections.HeartbeatTick = 100 * time.Millisecond
	cfgB.Connections.HeartbeatGrace = 2 * time.Second
	cfgB.Bridges = []config.BridgeConfig{{Name: "B", Address: a.addr(), HeartbeatSeconds: 5}}
	b := startNode(t, cfgB)

	waitForBridge(t, a, "B", peer.RoleBridgeServerSide)
	first := waitForBridge(t, b, "B", peer.RoleBridgeClientSide)

	// With heartbeats flowing the lease keeps being renewed
	time.Sleep(6 * time.Second)
	if info := waitForBridge(t, b, "B", peer.RoleBridgeClientSide); !info.ConnectedSince.Equal(first.ConnectedSince) {
		t.Fatalf("bridge reconnected while heartbeats were enabled")
	}

	a.srv.SetHeartbeatsEnabled(false)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range b.srv.Bridges() {
			if info.Name == "B" && info.State == peer.StateConnected && info.ConnectedSince.After(first.ConnectedSince) {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("bridge did not reconnect after its heartbeat lease expired")
}
