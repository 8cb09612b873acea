package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pipeline PipelineConfig `json:"pipeline"`
	Notifier NotifierConfig `json:"notifier"`
	NATS     NATSConfig     `json:"nats"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token          string  `json:"token"`
	ChatID         int64   `json:"chat_id"`
	UrgentChatID   int64   `json:"urgent_chat_id"`
	ThreadID       int     `json:"thread_id" validate:"min=0"`
	UrgentThreadID int     `json:"urgent_thread_id" validate:"min=0"`
	OwnerUserIDs   []int64 `json:"owner_user_ids"`
	PollTimeout    string  `json:"poll_timeout"`
	// Commands enables long polling for owner chat commands.
	Commands bool `json:"commands"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// CaptureErrors forwards error-level log lines into the pipeline.
	CaptureErrors bool `json:"capture_errors"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type PipelineConfig struct {
	TickInterval        string   `json:"tick_interval"`
	BurstSuppressWindow string   `json:"burst_suppress_window"`
	BurstMode           string   `json:"burst_mode" validate:"omitempty,oneof=global per_key"`
	MaxRecords          int      `json:"max_records" validate:"min=0"`
	MaxErrorsPerMinute  int      `json:"max_errors_per_minute" validate:"min=1"`
	MaxErrorsPerHour    int      `json:"max_errors_per_hour" validate:"min=1,gtefield=MaxErrorsPerMinute"`
	TierCooldowns       Cooldown `json:"tier_cooldowns"`
	QuietHours          Quiet    `json:"quiet_hours"`
	IgnorePatterns      []string `json:"ignore_patterns"`
	DigestSchedule      string   `json:"digest_schedule"`
	SnapshotSchedule    string   `json:"snapshot_schedule"`
	Repanic             bool     `json:"repanic"`
}

type Cooldown struct {
	Critical string `json:"critical"`
	High     string `json:"high"`
	Medium   string `json:"medium"`
	Low      string `json:"low"`
}

type Quiet struct {
	Enabled       bool   `json:"enabled"`
	StartHour     int    `json:"start_hour" validate:"min=0,max=23"`
	EndHour       int    `json:"end_hour" validate:"min=0,max=23"`
	Timezone      string `json:"timezone"`
	AllowCritical bool   `json:"allow_critical"`
}

type NotifierConfig struct {
	QueueSize       int     `json:"queue_size" validate:"min=1"`
	RatePerSec      float64 `json:"rate_per_sec" validate:"gt=0"`
	Burst           int     `json:"burst" validate:"min=1"`
	SendTimeout     string  `json:"send_timeout"`
	BreakerFailures uint32  `json:"breaker_failures" validate:"min=1"`
	BreakerTimeout  string  `json:"breaker_timeout"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url" validate:"required_if=Enabled true"`
	Subject string `json:"subject" validate:"required_if=Enabled true"`
}

type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path" validate:"required_if=Driver file,required_if=Driver sqlite"`
	BusyTimeout string `json:"busy_timeout"`
}

// OpsConfig controls the HTTP ops server. Bind to loopback or set a token.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr" validate:"required_if=Enabled true"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Logging:  LoggingConfig{Level: "info", Console: true, CaptureErrors: true},
		Pipeline: PipelineConfig{
			TickInterval:        "10s",
			BurstSuppressWindow: "30s",
			BurstMode:           "global",
			MaxRecords:          10000,
			MaxErrorsPerMinute:  20,
			MaxErrorsPerHour:    200,
			TierCooldowns:       Cooldown{Critical: "0s", High: "30s", Medium: "2m", Low: "5m"},
			QuietHours:          Quiet{StartHour: 23, EndHour: 7},
		},
		Notifier: NotifierConfig{
			QueueSize:       256,
			RatePerSec:      1,
			Burst:           3,
			SendTimeout:     "10s",
			BreakerFailures: 5,
			BreakerTimeout:  "30s",
		},
		NATS:    NATSConfig{Subject: "errbot.notifications"},
		Storage: StorageConfig{Driver: "none", BusyTimeout: "5s"},
		Ops:     OpsConfig{Addr: "127.0.0.1:9464"},
	}
}
