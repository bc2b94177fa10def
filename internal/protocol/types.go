// Package protocol defines the wire protocol spoken between wolbridge nodes.
package protocol

// Command identifies the meaning of a frame.
type Command uint8

// Command constants
const (
	CommandName             Command = 1 // Bridge identity, sent by the dialing side
	CommandWakeup           Command = 2 // Comma separated wakeup route
	CommandWakeupAck        Command = 3 // Per-hop acknowledgement of a wakeup
	CommandHeartbeatRequest Command = 4 // Requested heartbeat interval in seconds
	CommandHeartbeat        Command = 5 // Keep-alive emitted by the honoring side
)

// Protocol constants
const (
	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 3

	// MaxPayloadSize is the largest payload a 16-bit length can describe
	MaxPayloadSize = 0xFFFF

	// MinHeartbeatSeconds is the smallest heartbeat interval a node will honor
	MinHeartbeatSeconds = 5
)

// String returns a human-readable name for the command.
func (c Command) String() string {
	switch c {
	case CommandName:
		return "NAME"
	case CommandWakeup:
		return "WAKEUP"
	case CommandWakeupAck:
		return "WAKEUP_ACK"
	case CommandHeartbeatRequest:
		return "HEARTBEAT_REQUEST"
	case CommandHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether c is one of the defined commands.
func (c Command) Known() bool {
	return c >= CommandName && c <= CommandHeartbeat
}
