package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"errbot/internal/pipeline"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags, durations, schedules and the timezone. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":            cfg.Telegram.PollTimeout,
		"pipeline.tick_interval":           cfg.Pipeline.TickInterval,
		"pipeline.burst_suppress_window":   cfg.Pipeline.BurstSuppressWindow,
		"pipeline.tier_cooldowns.critical": cfg.Pipeline.TierCooldowns.Critical,
		"pipeline.tier_cooldowns.high":     cfg.Pipeline.TierCooldowns.High,
		"pipeline.tier_cooldowns.medium":   cfg.Pipeline.TierCooldowns.Medium,
		"pipeline.tier_cooldowns.low":      cfg.Pipeline.TierCooldowns.Low,
		"notifier.send_timeout":            cfg.Notifier.SendTimeout,
		"notifier.breaker_timeout":         cfg.Notifier.BreakerTimeout,
		"storage.busy_timeout":             cfg.Storage.BusyTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if err := pipeline.ValidateSchedule(cfg.Pipeline.DigestSchedule); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.digest_schedule: %w", err))
	}
	if err := pipeline.ValidateSchedule(cfg.Pipeline.SnapshotSchedule); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.snapshot_schedule: %w", err))
	}
	if tz := strings.TrimSpace(cfg.Pipeline.QuietHours.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.quiet_hours.timezone: %w", err))
		}
	}
	if cfg.Telegram.UrgentChatID != 0 && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.urgent_chat_id: requires telegram.chat_id"))
	}
	if cfg.Ops.Enabled && cfg.Ops.Token == "" && !cfg.Ops.AllowInsecure && !loopbackAddr(cfg.Ops.Addr) {
		errs = append(errs, errors.New("ops.addr: non-loopback address requires ops.token or ops.allow_insecure"))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "min", "max", "gt", "gte":
		return fmt.Errorf("%s: must be %s %s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s] (got %v)", path, fe.Param(), fe.Value())
	case "required_if":
		return fmt.Errorf("%s: required when %s", path, fe.Param())
	case "gtefield":
		return fmt.Errorf("%s: must be >= %s", path, fe.Param())
	}
	return fmt.Errorf("%s: failed %s", path, fe.Tag())
}

func loopbackAddr(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
