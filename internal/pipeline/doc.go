// Package pipeline turns raw error reports into rate-limited chat notifications.
//
// Flow:
//
//	ErrorEvent -> loop filter -> burst filter -> Classify -> Deduplicator
//	           -> Scheduler (per-tier cooldown) -> [tick] -> dispatch queue
//	           -> Gate (quiet hours + rate window) -> transport.Sender
//
// # State
//
// A Pipeline owns every piece of mutable state (error history, priority queues,
// rate window). Nothing is package-global, so tests can run many pipelines side
// by side.
//
// # Delivery
//
// Delivery is best-effort. Entries that are not admitted, or whose send fails,
// go back to the scheduler and are retried on later ticks. There is no backoff
// beyond the tier cooldown.
package pipeline
