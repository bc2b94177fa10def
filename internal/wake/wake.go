// Package wake sends Wake-on-LAN magic packets on the local network.
package wake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/lookup"
)

const (
	// MagicPacketSize is 6 bytes of 0xFF followed by 16 copies of the MAC.
	MagicPacketSize = 6 + 16*6

	// DefaultPort is the UDP port packets are sent to.
	DefaultPort = 7

	// DefaultCount is the number of copies sent to each target.
	DefaultCount = 5
)

var (
	// ErrUnknownComputer is returned when an identifier is neither a MAC
	// address nor a name in the computer table.
	ErrUnknownComputer = errors.New("cannot resolve computer to a MAC address")

	// ErrNoTargets is returned when no broadcast address is available.
	ErrNoTargets = errors.New("no broadcast targets")

	// ErrSendFailed is returned when at least one packet could not be sent.
	ErrSendFailed = errors.New("failed to send magic packet")
)

// MACResolver maps computer names to MAC addresses.
type MACResolver interface {
	Lookup(name string) (net.HardwareAddr, bool)
}

// Config contains waker configuration.
type Config struct {
	Port      int
	Broadcast bool // Send to 255.255.255.255 instead of each interface
	Count     int
	Silent    bool // Log instead of sending
	Computers MACResolver
	Logger    *slog.Logger

	// Targets overrides target discovery.
	Targets func(port int) ([]*net.UDPAddr, error)
}

// Waker wakes devices by MAC address or computer name.
type Waker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a waker.
func New(cfg Config) *Waker {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Targets == nil {
		if cfg.Broadcast {
			cfg.Targets = LimitedBroadcast
		} else {
			cfg.Targets = InterfaceBroadcasts
		}
	}
	return &Waker{cfg: cfg, logger: logging.Component(cfg.Logger, "wake")}
}

// Resolve turns an identifier into a MAC address.
func (w *Waker) Resolve(identifier string) (net.HardwareAddr, error) {
	if mac, err := lookup.ParseMAC(identifier); err == nil {
		return mac, nil
	}
	if w.cfg.Computers != nil {
		if mac, ok := w.cfg.Computers.Lookup(identifier); ok {
			return mac, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownComputer, identifier)
}

// Wake sends the magic packet for identifier Count times to every target.
func (w *Waker) Wake(ctx context.Context, identifier string) error {
	mac, err := w.Resolve(identifier)
	if err != nil {
		return err
	}

	if w.cfg.Silent {
		w.logger.Info("would have woken computer", logging.KeyTarget, identifier, "mac", mac.String())
		return nil
	}

	targets, err := w.cfg.Targets(w.cfg.Port)
	if err != nil {
		return fmt.Errorf("find broadcast targets: %w", err)
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}

	lc := net.ListenConfig{Control: setBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	packet := MagicPacket(mac)
	failed := 0
	for i := 0; i < w.cfg.Count; i++ {
		for _, addr := range targets {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := conn.WriteTo(packet, addr)
			if err != nil || n != len(packet) {
				failed++
				w.logger.Debug("magic packet send failed", logging.KeyAddress, addr.String(), logging.KeyError, err)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d packets to %s", ErrSendFailed, failed, w.cfg.Count*len(targets), mac)
	}

	w.logger.Info("sent magic packet",
		logging.KeyTarget, identifier,
		"mac", mac.String(),
		logging.KeyCount, w.cfg.Count*len(targets))
	return nil
}

// MagicPacket builds the Wake-on-LAN payload for mac.
func MagicPacket(mac net.HardwareAddr) []byte {
	packet := make([]byte, 0, MagicPacketSize)
	packet = append(packet, bytes.Repeat([]byte{0xFF}, 6)...)
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet
}

// LimitedBroadcast targets 255.255.255.255.
func LimitedBroadcast(port int) ([]*net.UDPAddr, error) {
	return []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}, nil
}

// InterfaceBroadcasts targets the directed broadcast address of every up,
// non-loopback IPv4 interface, without duplicates. Interfaces are read on
// every call since addresses can change while running.
func InterfaceBroadcasts(port int) ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				nets = append(nets, ipnet)
			}
		}
	}

	return broadcastTargets(nets, port), nil
}

func broadcastTargets(nets []*net.IPNet, port int) []*net.UDPAddr {
	var targets []*net.UDPAddr
	seen := make(map[string]bool)
	for _, n := range nets {
		bcast := DirectedBroadcast(n)
		if bcast == nil || seen[bcast.String()] {
			continue
		}
		seen[bcast.String()] = true
		targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
	}
	return targets
}

// DirectedBroadcast returns the broadcast address of an IPv4 network, or nil
// for anything else.
func DirectedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}

	bcast := make(net.IP, net.IPv4len)
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
