package config

import (
	"reflect"

	logx "errbot/pkg/logx"
)

// Change describes what a reload touched. Secrets are never included.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Fields  []logx.Field
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.capture_errors", newCfg.Logging.CaptureErrors),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		ch.Sections = append(ch.Sections, "pipeline")
		ch.Fields = append(ch.Fields,
			logx.Int("pipeline.max_errors_per_minute", newCfg.Pipeline.MaxErrorsPerMinute),
			logx.Int("pipeline.max_errors_per_hour", newCfg.Pipeline.MaxErrorsPerHour),
			logx.Bool("pipeline.quiet_hours", newCfg.Pipeline.QuietHours.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		ch.Sections = append(ch.Sections, "notifier")
		ch.Fields = append(ch.Fields, logx.Any("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}

	// Owners and chat targets apply live; the token and polling do not.
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(oldTG, newTG) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Fields = append(ch.Fields,
			logx.Int("telegram.owner_count", len(newTG.OwnerUserIDs)),
			logx.Bool("telegram.urgent_set", newTG.UrgentChatID != 0),
		)
		if oldTG.Token != newTG.Token || oldTG.PollTimeout != newTG.PollTimeout || oldTG.Commands != newTG.Commands {
			ch.Restart = append(ch.Restart, "telegram")
		}
	}
	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"nats", !reflect.DeepEqual(oldCfg.NATS, newCfg.NATS)},
		{"storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage)},
		{"ops", !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops)},
	} {
		if s.changed {
			ch.Sections = append(ch.Sections, s.name)
			ch.Restart = append(ch.Restart, s.name)
		}
	}
	return ch
}
