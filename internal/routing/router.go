// Package routing decides where a wakeup command goes: a local wake, a live
// bridge, or a fresh connection to an endpoint from the lookup table.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/protocol"
)

var (
	// ErrUnresolved is returned when a routing key matches neither a live
	// bridge nor an endpoint table entry.
	ErrUnresolved = errors.New("unresolved route")

	// ErrEmptyPayload is returned for a wakeup without a target.
	ErrEmptyPayload = errors.New("empty wakeup payload")
)

// Separator splits a wakeup payload into hops.
const Separator = ","

// Sender transmits a frame over a connection.
type Sender interface {
	Send(cmd protocol.Command, payload string) error
}

// BridgeLookupFunc returns the live bridge registered under name.
type BridgeLookupFunc func(name string) (Sender, bool)

// EndpointResolver maps a routing key to a host:port endpoint.
type EndpointResolver interface {
	Resolve(name string) (string, bool)
}

// LocalWaker wakes a device on the local network by MAC or computer name.
type LocalWaker interface {
	Wake(ctx context.Context, identifier string) error
}

// DialFunc opens a transient outbound connection to endpoint.
type DialFunc func(endpoint string) Sender

// Action is the kind of routing decision.
type Action int

const (
	ActionInvalid    Action = iota // Nothing to route
	ActionLocal                    // Wake Target on the local network
	ActionBridge                   // Forward over the live bridge named Target
	ActionEndpoint                 // Forward over a new connection to Endpoint
	ActionUnresolved               // Target could not be resolved
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionLocal:
		return "local"
	case ActionBridge:
		return "bridge"
	case ActionEndpoint:
		return "endpoint"
	case ActionUnresolved:
		return "unresolved"
	default:
		return "invalid"
	}
}

// Decision describes how a payload will be routed.
type Decision struct {
	Action   Action
	Target   string // Local identifier, or the routing key of a relay
	Forward  string // Payload for the next hop
	Endpoint string // Set for ActionEndpoint
	bridge   Sender
}

// Config contains router configuration.
type Config struct {
	LocalName string
	Bridges   BridgeLookupFunc
	Endpoints EndpointResolver
	Waker     LocalWaker
	Dial      DialFunc
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Router routes wakeup payloads.
type Router struct {
	localName string
	bridges   BridgeLookupFunc
	endpoints EndpointResolver
	waker     LocalWaker
	dial      DialFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a router.
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Router{
		localName: norm.NFC.String(cfg.LocalName),
		bridges:   cfg.Bridges,
		endpoints: cfg.Endpoints,
		waker:     cfg.Waker,
		dial:      cfg.Dial,
		logger:    logging.Component(cfg.Logger, "router"),
		metrics:   cfg.Metrics,
	}
}

// LocalName returns the name this node answers to.
func (r *Router) LocalName() string {
	return r.localName
}

// Resolve decides what to do with payload without performing any I/O.
//
// A single token is a local target. Two tokens where the first is this
// node's name are a local target too. Otherwise the first token is the
// routing key and the rest is forwarded unchanged.
func (r *Router) Resolve(payload string) Decision {
	if payload == "" {
		return Decision{Action: ActionInvalid}
	}

	tokens := strings.Split(payload, Separator)
	switch {
	case len(tokens) == 1:
		return Decision{Action: ActionLocal, Target: tokens[0]}
	case len(tokens) == 2 && norm.NFC.String(tokens[0]) == r.localName:
		return Decision{Action: ActionLocal, Target: tokens[1]}
	}

	d := Decision{
		Target:  tokens[0],
		Forward: strings.Join(tokens[1:], Separator),
	}

	if r.bridges != nil {
		if bridge, ok := r.bridges(d.Target); ok {
			d.Action = ActionBridge
			d.bridge = bridge
			return d
		}
	}
	if r.endpoints != nil {
		if endpoint, ok := r.endpoints.Resolve(d.Target); ok {
			d.Action = ActionEndpoint
			d.Endpoint = endpoint
			return d
		}
	}

	d.Action = ActionUnresolved
	return d
}

// Route resolves payload and carries out the decision.
func (r *Router) Route(ctx context.Context, payload string) (Decision, error) {
	d := r.Resolve(payload)

	switch d.Action {
	case ActionLocal:
		if r.waker == nil {
			r.metrics.RecordWakeup(metrics.OutcomeLocalFailed)
			return d, fmt.Errorf("wake %s: no local waker", d.Target)
		}
		if err := r.waker.Wake(ctx, d.Target); err != nil {
			r.metrics.RecordWakeup(metrics.OutcomeLocalFailed)
			r.logger.Error("local wake failed", logging.KeyTarget, d.Target, logging.KeyError, err)
			return d, fmt.Errorf("wake %s: %w", d.Target, err)
		}
		r.metrics.RecordWakeup(metrics.OutcomeLocal)
		r.logger.Info("woke local target", logging.KeyTarget, d.Target)
		return d, nil

	case ActionBridge:
		r.metrics.RecordWakeup(metrics.OutcomeBridge)
		r.logger.Info("relaying over bridge",
			logging.KeyNextHop, d.Target,
			logging.KeyPayload, d.Forward)
		if err := d.bridge.Send(protocol.CommandWakeup, d.Forward); err != nil {
			r.logger.Error("relay over bridge failed", logging.KeyNextHop, d.Target, logging.KeyError, err)
			return d, fmt.Errorf("relay to %s: %w", d.Target, err)
		}
		return d, nil

	case ActionEndpoint:
		if r.dial == nil {
			r.metrics.RecordWakeup(metrics.OutcomeUnresolved)
			return d, fmt.Errorf("relay to %s: no dialer: %w", d.Target, ErrUnresolved)
		}
		r.metrics.RecordWakeup(metrics.OutcomeEndpoint)
		r.logger.Info("relaying to endpoint",
			logging.KeyNextHop, d.Target,
			logging.KeyEndpoint, d.Endpoint,
			logging.KeyPayload, d.Forward)
		if err := r.dial(d.Endpoint).Send(protocol.CommandWakeup, d.Forward); err != nil {
			r.logger.Error("relay to endpoint failed", logging.KeyEndpoint, d.Endpoint, logging.KeyError, err)
			return d, fmt.Errorf("relay to %s: %w", d.Endpoint, err)
		}
		return d, nil

	case ActionUnresolved:
		r.metrics.RecordWakeup(metrics.OutcomeUnresolved)
		r.logger.Error("cannot resolve route", logging.KeyNextHop, d.Target, logging.KeyPayload, payload)
		return d, fmt.Errorf("%w: %s", ErrUnresolved, d.Target)

	default:
		r.logger.Warn("ignoring empty wakeup")
		return d, ErrEmptyPayload
	}
}

// HandleWakeup routes a payload received from the network. Failures are
// logged by Route and the command is dropped.
func (r *Router) HandleWakeup(ctx context.Context, payload string) {
	r.Route(ctx, payload)
}
