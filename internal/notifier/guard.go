package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"errbot/internal/eventbus"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// GuardedSender paces, bounds and circuit-breaks calls to the wrapped sender.
type GuardedSender struct {
	next transport.Sender
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[transport.MessageRef]
}

func NewGuardedSender(next transport.Sender, cfg Config, log logx.Logger, bus eventbus.Bus) *GuardedSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	g := &GuardedSender{
		next: next,
		log:  log.With(logx.String("comp", "notifier")),
		bus:  bus,
		cfg:  cfg,
	}
	g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	g.breaker = g.newBreaker(cfg)
	return g
}

func (g *GuardedSender) newBreaker(cfg Config) *gobreaker.CircuitBreaker[transport.MessageRef] {
	threshold := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker[transport.MessageRef](gobreaker.Settings{
		Name:        "chat-send",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
			if g.bus != nil {
				now := time.Now()
				g.bus.Publish(eventbus.Event{Type: "notifier.breaker", Time: now, Data: BreakerEvent{From: from.String(), To: to.String(), At: now}})
			}
		},
	})
}

// Apply updates pacing and timeouts. Breaker thresholds rebuild the breaker,
// which resets it to closed.
func (g *GuardedSender) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	g.limiter.SetBurst(cfg.Burst)
	if cfg.BreakerFailures != g.cfg.BreakerFailures || cfg.BreakerTimeout != g.cfg.BreakerTimeout {
		g.breaker = g.newBreaker(cfg)
	}
	g.cfg = cfg
}

// BreakerState returns "closed", "half-open" or "open".
func (g *GuardedSender) BreakerState() string {
	g.mu.Lock()
	cb := g.breaker
	g.mu.Unlock()
	return cb.State().String()
}

func (g *GuardedSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	g.mu.Lock()
	lim := g.limiter
	cb := g.breaker
	timeout := g.cfg.SendTimeout
	g.mu.Unlock()

	if g.next == nil {
		return transport.MessageRef{}, ErrDisabled
	}
	if err := lim.Wait(ctx); err != nil {
		return transport.MessageRef{}, fmt.Errorf("send pacing: %w", err)
	}

	start := time.Now()
	ref, err := cb.Execute(func() (transport.MessageRef, error) {
		return sendWithin(ctx, timeout, g.next, to, text, opt)
	})

	if g.bus != nil {
		ev := SendEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, At: time.Now(), Took: time.Since(start).String()}
		typ := "notifier.sent"
		if err != nil {
			typ = "notifier.failed"
			ev.Error = err.Error()
		}
		g.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
	if err != nil {
		return ref, fmt.Errorf("chat send: %w", err)
	}
	return ref, nil
}

type sendResult struct {
	ref transport.MessageRef
	err error
}

// sendWithin returns once next completes or the timeout elapses, whichever is
// first. A sender that ignores ctx keeps running in the background until it
// returns, but the caller is released at the deadline.
func sendWithin(ctx context.Context, timeout time.Duration, next transport.Sender, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		ref, err := next.SendText(cctx, to, text, opt)
		done <- sendResult{ref: ref, err: err}
	}()
	select {
	case r := <-done:
		return r.ref, r.err
	case <-cctx.Done():
		return transport.MessageRef{}, cctx.Err()
	}
}
