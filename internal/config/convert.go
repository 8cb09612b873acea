package config

import (
	"errors"
	"strings"
	"time"

	"errbot/internal/notifier"
	"errbot/internal/pipeline"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"
)

// PipelineConfig maps the pipeline and telegram sections to runtime settings.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	p := c.Pipeline
	def := pipeline.DefaultConfig()
	var errs []error
	dur := func(path, raw string, d time.Duration, keepZero bool) time.Duration {
		var v time.Duration
		var err error
		if keepZero {
			v, err = parseDurationKeepZero(path, raw, d)
		} else {
			v, err = ParseDurationOrDefault(path, raw, d)
		}
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	out := pipeline.Config{
		TickInterval: dur("pipeline.tick_interval", p.TickInterval, def.TickInterval, false),
		BurstWindow:  dur("pipeline.burst_suppress_window", p.BurstSuppressWindow, def.BurstWindow, true),
		BurstMode:    pipeline.BurstMode(p.BurstMode),
		MaxRecords:   p.MaxRecords,
		MaxPerMinute: p.MaxErrorsPerMinute,
		MaxPerHour:   p.MaxErrorsPerHour,
		Cooldowns: pipeline.Cooldowns{
			Critical: dur("pipeline.tier_cooldowns.critical", p.TierCooldowns.Critical, def.Cooldowns.Critical, true),
			High:     dur("pipeline.tier_cooldowns.high", p.TierCooldowns.High, def.Cooldowns.High, true),
			Medium:   dur("pipeline.tier_cooldowns.medium", p.TierCooldowns.Medium, def.Cooldowns.Medium, true),
			Low:      dur("pipeline.tier_cooldowns.low", p.TierCooldowns.Low, def.Cooldowns.Low, true),
		},
		QuietHours: pipeline.QuietHours{
			Enabled:       p.QuietHours.Enabled,
			StartHour:     p.QuietHours.StartHour,
			EndHour:       p.QuietHours.EndHour,
			AllowCritical: p.QuietHours.AllowCritical,
		},
		IgnorePatterns:   append([]string(nil), p.IgnorePatterns...),
		DigestSchedule:   strings.TrimSpace(p.DigestSchedule),
		SnapshotSchedule: strings.TrimSpace(p.SnapshotSchedule),
		Main:             transport.ChatTarget{ChatID: c.Telegram.ChatID, ThreadID: c.Telegram.ThreadID},
		Urgent:           transport.ChatTarget{ChatID: c.Telegram.UrgentChatID, ThreadID: c.Telegram.UrgentThreadID},
		Repanic:          p.Repanic,
	}
	if tz := strings.TrimSpace(p.QuietHours.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, err)
		}
		out.QuietHours.Location = loc
	}
	return out, errors.Join(errs...)
}

func (c *Config) NotifierConfig() (notifier.Config, error) {
	n := c.Notifier
	def := notifier.DefaultConfig()
	send, err1 := ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, def.SendTimeout)
	open, err2 := ParseDurationOrDefault("notifier.breaker_timeout", n.BreakerTimeout, def.BreakerTimeout)
	return notifier.Config{
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		Burst:           n.Burst,
		SendTimeout:     send,
		BreakerFailures: n.BreakerFailures,
		BreakerTimeout:  open,
	}, errors.Join(err1, err2)
}

// LogConfig maps the logging section. Lines from the delivery path are never
// captured so sink failures cannot feed back into the pipeline.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Capture: logx.CaptureConfig{
			Enabled:     c.Logging.CaptureErrors,
			MinLevel:    "error",
			IgnoreComps: []string{"pipeline", "notifier", "telegram", "natsmirror", "commands"},
		},
	}
}

func (c *Config) PollTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	return d
}

func (c *Config) BusyTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	return d
}
