// Package heartbeat drives the keep-alive and lease timers of bridge
// connections from a single shared ticker.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/wolbridge/internal/logging"
	"github.com/postalsys/wolbridge/internal/metrics"
	"github.com/postalsys/wolbridge/internal/recovery"
)

// DefaultInterval is the scheduler resolution.
const DefaultInterval = time.Second

// Subscriber receives the time that passed since the previous tick.
type Subscriber interface {
	HeartbeatTick(elapsed time.Duration)
}

// Config contains scheduler configuration.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Scheduler ticks every subscriber once per interval. The ticker goroutine
// starts on the first Add. A tick that fires while the previous one is still
// running is dropped.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	subs map[Subscriber]struct{}

	running   atomic.Bool
	startOnce sync.Once

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a scheduler that stops when ctx is cancelled.
func New(ctx context.Context, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Scheduler{
		interval: cfg.Interval,
		logger:   logging.Component(cfg.Logger, "heartbeat"),
		metrics:  cfg.Metrics,
		subs:     make(map[Subscriber]struct{}),
		ctx:      ctx,
	}
}

// Add subscribes s and starts the ticker if it is not running yet.
// Adding the same subscriber twice has no effect.
func (s *Scheduler) Add(sub Subscriber) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Remove unsubscribes s.
func (s *Scheduler) Remove(sub Subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Len returns the number of subscribers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Tick delivers elapsed to every current subscriber.
func (s *Scheduler) Tick(elapsed time.Duration) {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.HeartbeatTick(elapsed)
	}
}

// Wait blocks until the ticker goroutine and any in-flight tick exit.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "heartbeat.loop")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("heartbeat scheduler started", logging.KeyInterval, s.interval)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fire()
		}
	}
}

// fire runs one tick on its own goroutine unless the previous tick is
// still in progress.
func (s *Scheduler) fire() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous heartbeat tick still running, skipping")
		s.metrics.RecordTickSkipped()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer recovery.RecoverWithLog(s.logger, "heartbeat.tick")

		s.Tick(s.interval)
	}()
}
