package pulse

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/netmedic/internal/event"
	"go.uber.org/zap"
)

const (
	defaultRecorderQueue = 1024
	recorderWriteTimeout = 5 * time.Second
)

// Recorder persists monitor events to the PulseStore. Bus handlers only
// enqueue; a single writer goroutine drains the queue so the monitor never
// waits on the database. Events are dropped, with a warning, when the
// queue is full.
type Recorder struct {
	store  *PulseStore
	logger *zap.Logger
	queue  chan event.Event

	unsubs  []func()
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

// NewRecorder creates a recorder with the given queue capacity.
func NewRecorder(store *PulseStore, queueSize int, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan event.Event, queueSize),
		stop:   make(chan struct{}),
	}
}

// Start subscribes to the monitor topics and launches the writer.
func (r *Recorder) Start(sub event.Subscriber) {
	for _, topic := range []string{TopicProbeCompleted, TopicTransition, TopicRemediationCompleted} {
		r.unsubs = append(r.unsubs, sub.Subscribe(topic, r.enqueue))
	}
	r.wg.Add(1)
	go r.run()
}

// Stop unsubscribes, writes whatever is already queued and waits for the
// writer to exit.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		for _, unsub := range r.unsubs {
			unsub()
		}
		close(r.stop)
	})
	r.wg.Wait()
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(_ context.Context, e event.Event) {
	select {
	case r.queue <- e:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping event",
			zap.String("topic", e.Topic),
			zap.Int64("dropped_total", n),
		)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-r.stop:
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()

	var err error
	switch p := e.Payload.(type) {
	case ProbeResult:
		err = r.store.InsertResult(ctx, &p)
	case Transition:
		err = r.writeTransition(ctx, p)
	case RemediationOutcome:
		err = r.store.InsertRemediation(ctx, p)
	default:
		r.logger.Debug("ignoring event with unexpected payload", zap.String("topic", e.Topic))
		return
	}
	if err != nil {
		r.logger.Warn("failed to record event", zap.String("topic", e.Topic), zap.Error(err))
	}
}

func (r *Recorder) writeTransition(ctx context.Context, tr Transition) error {
	if err := r.store.InsertTransition(ctx, tr); err != nil {
		return err
	}
	if tr.IncidentID == "" {
		return nil
	}
	switch {
	case tr.To == StateDown:
		if err := r.store.OpenIncident(ctx, tr); err != nil {
			return err
		}
		return r.store.UpdateIncident(ctx, tr)
	case tr.To == StateHealthy && tr.From != StateSuspect:
		return r.store.CloseIncident(ctx, tr.IncidentID, tr.At)
	default:
		return r.store.UpdateIncident(ctx, tr)
	}
}
