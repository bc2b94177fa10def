package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/protocol"
)

type sentFrame struct {
	cmd     protocol.Command
	payload string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
	err  error
}

func (s *fakeSender) Send(cmd protocol.Command, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{cmd, payload})
	return s.err
}

type fakeWaker struct {
	woken []string
	err   error
}

func (w *fakeWaker) Wake(_ context.Context, id string) error {
	w.woken = append(w.woken, id)
	return w.err
}

type mapResolver map[string]string

func (m mapResolver) Resolve(name string) (string, bool) {
	ep, ok := m[name]
	return ep, ok
}

type fixture struct {
	router  *Router
	waker   *fakeWaker
	bridges map[string]*fakeSender
	dialed  map[string]*fakeSender
	metrics *metrics.Metrics
}

func newFixture(local string) *fixture {
	f := &fixture{
		waker:   &fakeWaker{},
		bridges: map[string]*fakeSender{},
		dialed:  map[string]*fakeSender{},
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	f.router = NewRouter(Config{
		LocalName: local,
		Bridges: func(name string) (Sender, bool) {
			s, ok := f.bridges[name]
			if !ok {
				return nil, false
			}
			return s, true
		},
		Endpoints: mapResolver{"Branch": "branch.example.com:12000", "Lab1": "lab1.example.com:12000"},
		Waker:     f.waker,
		Dial: func(endpoint string) Sender {
			s := &fakeSender{}
			f.dialed[endpoint] = s
			return s
		},
		Metrics: f.metrics,
	})
	return f
}

func TestResolve(t *testing.T) {
	f := newFixture("HQ")
	f.bridges["Lab1"] = &fakeSender{}

	tests := []struct {
		name     string
		payload  string
		action   Action
		target   string
		forward  string
		endpoint string
	}{
		{"empty", "", ActionInvalid, "", "", ""},
		{"single mac", "AA:BB:CC:DD:EE:FF", ActionLocal, "AA:BB:CC:DD:EE:FF", "", ""},
		{"single name", "deskA", ActionLocal, "deskA", "", ""},
		{"self addressed", "HQ,deskA", ActionLocal, "deskA", "", ""},
		{"live bridge", "Lab1,deskA", ActionBridge, "Lab1", "deskA", ""},
		{"bridge wins over endpoint", "Lab1,X,deskA", ActionBridge, "Lab1", "X,deskA", ""},
		{"endpoint fallback", "Branch,deskB", ActionEndpoint, "Branch", "deskB", "branch.example.com:12000"},
		{"unresolved", "Nowhere,deskC", ActionUnresolved, "Nowhere", "deskC", ""},
		{"self in three hops strips first", "HQ,Lab1,deskA", ActionUnresolved, "HQ", "Lab1,deskA", ""},
		{"case sensitive", "hq,deskA", ActionUnresolved, "hq", "deskA", ""},
		{"empty trailing token", "Lab1,", ActionBridge, "Lab1", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.router.Resolve(tt.payload)
			if d.Action != tt.action {
				t.Errorf("Action = %s, want %s", d.Action, tt.action)
			}
			if d.Target != tt.target {
				t.Errorf("Target = %q, want %q", d.Target, tt.target)
			}
			if d.Forward != tt.forward {
				t.Errorf("Forward = %q, want %q", d.Forward, tt.forward)
			}
			if d.Endpoint != tt.endpoint {
				t.Errorf("Endpoint = %q, want %q", d.Endpoint, tt.endpoint)
			}
		})
	}

	// Resolve performs no I/O.
	if len(f.waker.woken) != 0 || len(f.dialed) != 0 || len(f.bridges["Lab1"].sent) != 0 {
		t.Error("Resolve() had side effects")
	}
}

func TestResolve_NormalizesLocalName(t *testing.T) {
	f := newFixture("Bu\u0308ro")

	d := f.router.Resolve("B\u00fcro,deskA")
	if d.Action != ActionLocal || d.Target != "deskA" {
		t.Errorf("Resolve() = %+v, want local deskA", d)
	}
}

func TestRoute_LocalTarget(t *testing.T) {
	f := newFixture("HQ")

	if _, err := f.router.Route(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(f.waker.woken) != 1 || f.waker.woken[0] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("woken = %v", f.waker.woken)
	}
	if v := testutil.ToFloat64(f.metrics.Wakeups.WithLabelValues(metrics.OutcomeLocal)); v != 1 {
		t.Errorf("local wakeups = %v, want 1", v)
	}
}

func TestRoute_SelfAddressedHop(t *testing.T) {
	f := newFixture("HQ")
	f.bridges["HQ"] = &fakeSender{}

	if _, err := f.router.Route(context.Background(), "HQ,deskA"); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(f.waker.woken) != 1 || f.waker.woken[0] != "deskA" {
		t.Errorf("woken = %v, want [deskA]", f.waker.woken)
	}
	if len(f.bridges["HQ"].sent) != 0 {
		t.Error("self-addressed hop was forwarded")
	}
}

func TestRoute_LocalWakeFailure(t *testing.T) {
	f := newFixture("HQ")
	f.waker.err = errors.New("unknown computer")

	_, err := f.router.Route(context.Background(), "deskZ")
	if err == nil {
		t.Fatal("Route() error = nil")
	}
	if v := testutil.ToFloat64(f.metrics.Wakeups.WithLabelValues(metrics.OutcomeLocalFailed)); v != 1 {
		t.Errorf("local_failed wakeups = %v, want 1", v)
	}
}

func TestRoute_ViaLiveBridge(t *testing.T) {
	f := newFixture("HQ")
	lab := &fakeSender{}
	f.bridges["Lab1"] = lab

	d, err := f.router.Route(context.Background(), "Lab1,deskA")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Action != ActionBridge {
		t.Errorf("Action = %s, want bridge", d.Action)
	}
	if len(lab.sent) != 1 || lab.sent[0].cmd != protocol.CommandWakeup || lab.sent[0].payload != "deskA" {
		t.Errorf("bridge sent = %+v, want one WAKEUP deskA", lab.sent)
	}
	if len(f.waker.woken) != 0 {
		t.Error("local wake attempted for relayed command")
	}
	if len(f.dialed) != 0 {
		t.Error("endpoint dialed although a bridge was live")
	}
}

func TestRoute_BridgeSendError(t *testing.T) {
	f := newFixture("HQ")
	f.bridges["Lab1"] = &fakeSender{err: errors.New("not connected")}

	if _, err := f.router.Route(context.Background(), "Lab1,deskA"); err == nil {
		t.Error("Route() error = nil, want send failure")
	}
}

func TestRoute_EndpointFallback(t *testing.T) {
	f := newFixture("HQ")

	d, err := f.router.Route(context.Background(), "Branch,deskB")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Action != ActionEndpoint {
		t.Errorf("Action = %s, want endpoint", d.Action)
	}

	s, ok := f.dialed["branch.example.com:12000"]
	if !ok {
		t.Fatalf("dialed = %v, want branch endpoint", f.dialed)
	}
	if len(s.sent) != 1 || s.sent[0].payload != "deskB" {
		t.Errorf("endpoint sent = %+v", s.sent)
	}
	if v := testutil.ToFloat64(f.metrics.Wakeups.WithLabelValues(metrics.OutcomeEndpoint)); v != 1 {
		t.Errorf("endpoint wakeups = %v, want 1", v)
	}
}

func TestRoute_Unresolved(t *testing.T) {
	f := newFixture("HQ")

	_, err := f.router.Route(context.Background(), "Nowhere,deskC")
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("Route() error = %v, want ErrUnresolved", err)
	}
	if len(f.waker.woken) != 0 || len(f.dialed) != 0 {
		t.Error("unresolved route had side effects")
	}
	if v := testutil.ToFloat64(f.metrics.Wakeups.WithLabelValues(metrics.OutcomeUnresolved)); v != 1 {
		t.Errorf("unresolved wakeups = %v, want 1", v)
	}
}

func TestRoute_Empty(t *testing.T) {
	f := newFixture("HQ")

	if _, err := f.router.Route(context.Background(), ""); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Route() error = %v, want ErrEmptyPayload", err)
	}
}

func TestRoute_NoCollaborators(t *testing.T) {
	r := NewRouter(Config{LocalName: "HQ"})

	if _, err := r.Route(context.Background(), "Lab1,deskA"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Route() error = %v, want ErrUnresolved", err)
	}
	if _, err := r.Route(context.Background(), "deskA"); err == nil {
		t.Error("local route without a waker succeeded")
	}
}

func TestHandleWakeup(t *testing.T) {
	f := newFixture("HQ")
	lab := &fakeSender{}
	f.bridges["Lab1"] = lab

	f.router.HandleWakeup(context.Background(), "Lab1,Lab2,deskA")
	f.router.HandleWakeup(context.Background(), "Nowhere,x")

	if len(lab.sent) != 1 || lab.sent[0].payload != "Lab2,deskA" {
		t.Errorf("bridge sent = %+v", lab.sent)
	}
}

func TestAction_String(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{ActionInvalid, "invalid"},
		{ActionLocal, "local"},
		{ActionBridge, "bridge"},
		{ActionEndpoint, "endpoint"},
		{ActionUnresolved, "unresolved"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("Action(%d).String() = %q, want %q", tt.action, got, tt.want)
		}
	}
}
