// Package notifier runs outbound notification sends off the pipeline's tick.
//
// # Queue
//
// Service is a bounded job queue with a single consumer goroutine hosted by a
// supervisor. Submit never blocks: when the queue is full it returns
// ErrQueueFull and the caller keeps the work for a later attempt.
//
// # Guarded sends
//
// GuardedSender wraps a transport.Sender with a token-bucket limiter, a
// per-send timeout and a circuit breaker. While the breaker is open sends fail
// fast, so a dead chat API costs nothing beyond a counter.
package notifier
