package pipeline

import (
	"time"

	"errbot/internal/transport"
)

// Config is the runtime configuration of a Pipeline.
type Config struct {
	TickInterval time.Duration
	BurstWindow  time.Duration
	BurstMode    BurstMode
	// MaxRecords bounds the history; 0 means unbounded.
	MaxRecords int

	MaxPerMinute int
	MaxPerHour   int
	Cooldowns    Cooldowns
	QuietHours   QuietHours

	// IgnorePatterns extend the built-in sink error patterns.
	IgnorePatterns []string

	// DigestSchedule and SnapshotSchedule are cron specs; empty disables.
	DigestSchedule   string
	SnapshotSchedule string

	Main   transport.ChatTarget
	Urgent transport.ChatTarget

	// Repanic makes Recover re-raise the captured panic after reporting it.
	Repanic bool
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		TickInterval: 10 * time.Second,
		BurstWindow:  30 * time.Second,
		BurstMode:    BurstGlobal,
		MaxRecords:   10000,
		MaxPerMinute: 20,
		MaxPerHour:   200,
		Cooldowns:    DefaultCooldowns(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BurstWindow < 0 {
		c.BurstWindow = 0
	}
	if c.BurstMode != BurstPerKey {
		c.BurstMode = BurstGlobal
	}
	if c.MaxRecords < 0 {
		c.MaxRecords = 0
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = d.MaxPerMinute
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = d.MaxPerHour
	}
	if c.Cooldowns.Critical < 0 {
		c.Cooldowns.Critical = 0
	}
	if c.Cooldowns.High < 0 {
		c.Cooldowns.High = 0
	}
	if c.Cooldowns.Medium < 0 {
		c.Cooldowns.Medium = 0
	}
	if c.Cooldowns.Low < 0 {
		c.Cooldowns.Low = 0
	}
	return c
}

func (c Config) gateConfig() GateConfig {
	return GateConfig{
		MaxPerMinute: c.MaxPerMinute,
		MaxPerHour:   c.MaxPerHour,
		QuietHours:   c.QuietHours,
		Main:         c.Main,
		Urgent:       c.Urgent,
	}
}
