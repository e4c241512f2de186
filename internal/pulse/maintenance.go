package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Maintainer periodically prunes history older than the retention period.
// Open incidents are never pruned.
type Maintainer struct {
	store     *PulseStore
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintainer creates a maintainer for store.
func NewMaintainer(store *PulseStore, interval, retention time.Duration, logger *zap.Logger) *Maintainer {
	return &Maintainer{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the background prune loop.
func (m *Maintainer) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for a running prune to finish.
func (m *Maintainer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RunOnce executes a single prune cycle.
func (m *Maintainer) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := m.now().Add(-m.retention)
	prunes := []struct {
		what string
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{"probe results", m.store.DeleteOldResults},
		{"transitions", m.store.DeleteOldTransitions},
		{"remediations", m.store.DeleteOldRemediations},
		{"closed incidents", m.store.DeleteOldIncidents},
	}
	for _, p := range prunes {
		n, err := p.fn(ctx, cutoff)
		if err != nil {
			m.logger.Warn("failed to prune history", zap.String("table", p.what), zap.Error(err))
			continue
		}
		if n > 0 {
			m.logger.Info("pruned history", zap.String("table", p.what), zap.Int64("count", n))
		}
	}
}
