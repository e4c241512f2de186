package pulse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProbeHandler probes one device and applies the result.
type ProbeHandler func(ctx context.Context, device models.Device)

// Scheduler probes every device once per interval. Ticks run one at a time
// on a single loop goroutine; a tick that overruns the interval delays the
// next one instead of overlapping it.
type Scheduler struct {
	devices  []models.Device
	handler  ProbeHandler
	interval time.Duration
	workers  int
	ticks    TickObserver
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewScheduler creates a scheduler that fans each tick out to at most
// workers concurrent handler calls.
func NewScheduler(devices []models.Device, handler ProbeHandler, interval time.Duration, workers int, ticks TickObserver, logger *zap.Logger) *Scheduler {
	if workers < 1 || workers > len(devices) {
		workers = max(len(devices), 1)
	}
	if ticks == nil {
		ticks = NopMetrics{}
	}
	return &Scheduler{
		devices:  devices,
		handler:  handler,
		interval: interval,
		workers:  workers,
		ticks:    ticks,
		logger:   logger,
	}
}

// Start begins the scheduling loop in the background. The first tick runs
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runTick(ticker)
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runTick(ticker)
			}
		}
	}()
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) runTick(ticker *time.Ticker) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	s.tick()
	elapsed := time.Since(start)
	s.ticks.ObserveTick(elapsed)

	if elapsed < s.interval {
		return
	}
	skipped := int(elapsed / s.interval)
	s.ticks.TickSkipped(skipped)
	s.logger.Warn("tick overran interval, deferring next tick",
		zap.Duration("elapsed", elapsed),
		zap.Duration("interval", s.interval),
		zap.Int("skipped", skipped),
	)
	// Restart the cadence from now and drop the tick that queued up while
	// this one was running.
	ticker.Reset(s.interval)
	select {
	case <-ticker.C:
	default:
	}
}

// tick probes every device once, at most s.workers at a time, and returns
// when all of them have been applied.
func (s *Scheduler) tick() {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.workers)

	for _, d := range s.devices {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.handler(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}
