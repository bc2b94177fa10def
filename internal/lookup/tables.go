package lookup

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// EndpointTable maps relay names to host:port endpoints.
type EndpointTable struct {
	t *table
}

// NewEndpointTable creates a table backed by path (may be empty) and inline
// entries, which take precedence over the file.
func NewEndpointTable(path string, inline map[string]string, logger *slog.Logger) *EndpointTable {
	return &EndpointTable{t: newTable("endpoints", path, inline, validateEndpoint, logger)}
}

// Resolve returns the endpoint for name.
func (e *EndpointTable) Resolve(name string) (string, bool) {
	entry, ok := e.t.get(name)
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// Entries returns every entry.
func (e *EndpointTable) Entries() []Entry {
	return e.t.all()
}

// BridgeEntry is a boot-time bridge from the bridge file.
type BridgeEntry struct {
	Name     string
	Endpoint string
	Extra    []string
}

// HeartbeatSeconds returns the heartbeat interval requested by the first
// extra field, or 0 if it is missing or not a positive integer.
func (b BridgeEntry) HeartbeatSeconds() int {
	if len(b.Extra) == 0 {
		return 0
	}
	n, err := strconv.Atoi(b.Extra[0])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// BridgeTable lists the bridges to open at startup, in file order.
type BridgeTable struct {
	t *table
}

// NewBridgeTable creates a table backed by path.
func NewBridgeTable(path string, logger *slog.Logger) *BridgeTable {
	return &BridgeTable{t: newTable("bridges", path, nil, validateEndpoint, logger)}
}

// Bridges returns the configured bridges.
func (b *BridgeTable) Bridges() []BridgeEntry {
	entries := b.t.all()
	out := make([]BridgeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, BridgeEntry{Name: e.Name, Endpoint: e.Value, Extra: e.Extra})
	}
	return out
}

// ComputerTable maps computer names to MAC addresses.
type ComputerTable struct {
	t *table
}

// NewComputerTable creates a table backed by path (may be empty) and inline
// entries, which take precedence over the file.
func NewComputerTable(path string, inline map[string]string, logger *slog.Logger) *ComputerTable {
	return &ComputerTable{t: newTable("computers", path, inline, validateMAC, logger)}
}

// Lookup returns the MAC address of name.
func (c *ComputerTable) Lookup(name string) (net.HardwareAddr, bool) {
	entry, ok := c.t.get(name)
	if !ok {
		return nil, false
	}
	mac, err := ParseMAC(entry.Value)
	if err != nil {
		return nil, false
	}
	return mac, true
}

// ParseMAC accepts colon or dash separated addresses and bare 12-digit hex.
func ParseMAC(s string) (net.HardwareAddr, error) {
	if len(s) == 12 {
		s = s[0:2] + ":" + s[2:4] + ":" + s[4:6] + ":" + s[6:8] + ":" + s[8:10] + ":" + s[10:12]
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("not a 48-bit MAC address: %s", s)
	}
	return mac, nil
}

func validateEndpoint(value string) error {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", value)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid port in %q", value)
	}
	return nil
}

func validateMAC(value string) error {
	_, err := ParseMAC(value)
	return err
}
