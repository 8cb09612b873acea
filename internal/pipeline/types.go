package pipeline

import (
	"strings"
	"time"
)

// ErrorEvent is a raw error report. It is consumed immediately and never stored.
type ErrorEvent struct {
	Kind       string
	Message    string
	Stack      string
	SourceFile string
	OccurredAt time.Time
}

// Event kinds produced by the built-in capture hooks.
const (
	KindPanic    = "panic"
	KindLogError = "log.error"
	KindReport   = "report"
)

type Category string

const (
	CategoryFirebasePermission Category = "FIREBASE_PERMISSION"
	CategoryNetwork            Category = "NETWORK"
	CategoryAPIKey             Category = "API_KEY"
	CategorySocketConnection   Category = "SOCKET_CONNECTION"
	CategorySyntax             Category = "SYNTAX"
	CategoryType               Category = "TYPE"
	CategoryReference          Category = "REFERENCE"
	CategoryGeneral            Category = "GENERAL"
)

// Tier is a severity bucket. Higher values are more urgent.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

// tiersByPriority lists tiers in drain order.
var tiersByPriority = [...]Tier{TierCritical, TierHigh, TierMedium, TierLow}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	case TierLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParseTier parses a tier name (case-insensitive).
func ParseTier(s string) (Tier, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return TierCritical, true
	case "HIGH":
		return TierHigh, true
	case "MEDIUM":
		return TierMedium, true
	case "LOW":
		return TierLow, true
	}
	return TierLow, false
}

// TierForCount maps an occurrence count to a tier.
func TierForCount(n int) Tier {
	switch {
	case n >= 10:
		return TierCritical
	case n >= 5:
		return TierHigh
	case n >= 2:
		return TierMedium
	default:
		return TierLow
	}
}

// Escalates reports whether the tier also goes to the urgent destination.
func (t Tier) Escalates() bool { return t >= TierHigh }

const maxSamples = 3

// ErrorRecord aggregates every occurrence of one signature.
type ErrorRecord struct {
	Signature  string    `json:"signature"`
	Category   Category  `json:"category"`
	Tier       Tier      `json:"tier"`
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Samples    []string  `json:"samples"`
	Kind       string    `json:"kind"`
	SourceFile string    `json:"source_file,omitempty"`
}

func (r ErrorRecord) clone() ErrorRecord {
	r.Samples = append([]string(nil), r.Samples...)
	return r
}

// PriorityEntry is a pending notification for one signature.
type PriorityEntry struct {
	Signature  string
	Tier       Tier
	EnqueuedAt time.Time
	// Attempts counts how many times the entry came back after a failed or
	// suppressed dispatch.
	Attempts int

	seq uint64
}

// Result is the outcome of a dispatch attempt.
type Result int

const (
	ResultSent Result = iota
	ResultSuppressed
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultSuppressed:
		return "suppressed"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Delivery is an audit row for one dispatch attempt.
type Delivery struct {
	At        time.Time `json:"at"`
	Signature string    `json:"signature"`
	Category  Category  `json:"category"`
	Tier      Tier      `json:"tier"`
	Count     int       `json:"count"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Escalated bool      `json:"escalated,omitempty"`
}

// Stats is a read-only snapshot for status commands.
type Stats struct {
	TotalSignatures         int            `json:"total_signatures"`
	QueueDepthByTier        map[string]int `json:"queue_depth_by_tier"`
	NotificationsThisMinute int            `json:"notifications_this_minute"`
	NotificationsThisHour   int            `json:"notifications_this_hour"`
	CriticalCount           int            `json:"critical_count"`
	RecurringCount          int            `json:"recurring_count"`
	QuietHoursActive        bool           `json:"quiet_hours_active"`

	Received        uint64 `json:"received"`
	Ignored         uint64 `json:"ignored"`
	BurstSuppressed uint64 `json:"burst_suppressed"`
	Sent            uint64 `json:"sent"`
	Suppressed      uint64 `json:"suppressed"`
	SinkFailures    uint64 `json:"sink_failures"`
	Evicted         uint64 `json:"evicted"`
	QueueRejected   uint64 `json:"queue_rejected"`
}
