package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"errbot/internal/eventbus"
	rtsup "errbot/internal/runtime/supervisor"
	logx "errbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is a bounded job queue drained by one consumer goroutine.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	accepting bool
	submitWG  sync.WaitGroup

	queue    chan func(ctx context.Context)
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	done    atomic.Uint64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "notifier")),
		bus: bus,
	}
}

// Apply updates the config. A new queue size takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start creates the queue and the consumer. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan func(ctx context.Context), s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("consumer", func(c context.Context) error {
		s.consume(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notifier consumer exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
	s.log.Debug("notifier started", logx.Int("queue", cap(q)))
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.submitWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Abandon in-flight sends.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notifier stop timed out, pending jobs abandoned", logx.Int("pending", len(q)))
	}
}

// Submit queues job without blocking.
func (s *Service) Submit(job func(ctx context.Context)) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case q <- job:
		return nil
	default:
		s.dropped.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notifier.rejected", Time: time.Now(), Data: map[string]any{"depth": len(q)}})
		}
		return ErrQueueFull
	}
}

// Depth returns the number of queued jobs.
func (s *Service) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

// Counters returns completed, rejected and panicked job counts.
func (s *Service) Counters() (done, rejected, panics uint64) {
	return s.done.Load(), s.dropped.Load(), s.panics.Load()
}

func (s *Service) consume(ctx context.Context, q <-chan func(ctx context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q:
			if !ok {
				return
			}
			s.run(ctx, job)
		}
	}
}

// run executes one job; a panicking job must not kill the consumer.
func (s *Service) run(ctx context.Context, job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Warn("notifier job panicked", logx.Any("panic", r))
		}
	}()
	job(ctx)
	s.done.Add(1)
}
