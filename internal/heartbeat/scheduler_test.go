package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/wolbridge/internal/metrics"
)

type countingSubscriber struct {
	ticks   atomic.Int32
	elapsed atomic.Int64
}

func (c *countingSubscriber) HeartbeatTick(elapsed time.Duration) {
	c.ticks.Add(1)
	c.elapsed.Add(int64(elapsed))
}

type blockingSubscriber struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (b *blockingSubscriber) HeartbeatTick(time.Duration) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.entered) })
	<-b.release
}

type panickingSubscriber struct {
	calls atomic.Int32
}

func (p *panickingSubscriber) HeartbeatTick(time.Duration) {
	p.calls.Add(1)
	panic("boom")
}

func TestTick_DeliversToAllSubscribers(t *testing.T) {
	s := New(context.Background(), Config{})

	a, b := &countingSubscriber{}, &countingSubscriber{}
	s.mu.Lock()
	s.subs[a] = struct{}{}
	s.subs[b] = struct{}{}
	s.mu.Unlock()

	s.Tick(time.Second)
	s.Tick(time.Second)

	for i, sub := range []*countingSubscriber{a, b} {
		if got := sub.ticks.Load(); got != 2 {
			t.Errorf("subscriber %d ticks = %d, want 2", i, got)
		}
		if got := time.Duration(sub.elapsed.Load()); got != 2*time.Second {
			t.Errorf("subscriber %d elapsed = %v, want 2s", i, got)
		}
	}
}

func TestAddRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, Config{Interval: time.Hour})
	sub := &countingSubscriber{}

	s.Add(sub)
	s.Add(sub)
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after duplicate Add", s.Len())
	}

	s.Remove(sub)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", s.Len())
	}

	s.Tick(time.Second)
	if sub.ticks.Load() != 0 {
		t.Error("removed subscriber was ticked")
	}
}

func TestScheduler_StartsLazilyAndTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{Interval: 10 * time.Millisecond})

	sub := &countingSubscriber{}
	s.Add(sub)

	deadline := time.Now().Add(2 * time.Second)
	for sub.ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.ticks.Load() < 3 {
		t.Errorf("ticks = %d, want at least 3", sub.ticks.Load())
	}

	cancel()
	s.Wait()
}

func TestScheduler_NotStartedWithoutSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, Config{Interval: time.Millisecond})
	// Wait returns immediately because no goroutine was started.
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() blocked on a scheduler that never started")
	}
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := New(ctx, Config{Interval: 5 * time.Millisecond, Metrics: m})

	sub := &blockingSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	s.Add(sub)

	select {
	case <-sub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never ran")
	}

	// Let several ticks fire while the first one is blocked.
	time.Sleep(50 * time.Millisecond)
	if got := sub.calls.Load(); got != 1 {
		t.Errorf("concurrent tick calls = %d, want 1", got)
	}
	if testutil.ToFloat64(m.HeartbeatTickSkew) == 0 {
		t.Error("expected skipped ticks to be recorded")
	}

	close(sub.release)
	cancel()
	s.Wait()
}

func TestScheduler_RecoversFromSubscriberPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{Interval: 5 * time.Millisecond})

	sub := &panickingSubscriber{}
	s.Add(sub)

	// Later ticks still run, so the in-progress flag was released.
	deadline := time.Now().Add(2 * time.Second)
	for sub.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.calls.Load() < 2 {
		t.Errorf("calls = %d, want at least 2", sub.calls.Load())
	}

	cancel()
	s.Wait()
}
