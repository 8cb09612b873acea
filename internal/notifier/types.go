package notifier

import "time"

// Config controls the dispatch queue and send guards.
type Config struct {
	QueueSize   int
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns conservative limits for a single chat bot.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		RatePerSec:      1,
		Burst:           3,
		SendTimeout:     10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	return c
}

// SendEvent is published on the event bus for guarded send outcomes.
type SendEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Took     string    `json:"took,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// BreakerEvent is published when the breaker changes state.
type BreakerEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}
