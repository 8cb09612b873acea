package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"errbot/internal/transport"
	logx "errbot/pkg/logx"
)

// QuietHours is a daily window, in local hours, during which nothing is sent.
// StartHour > EndHour spans midnight; StartHour == EndHour is an empty window.
type QuietHours struct {
	Enabled       bool
	StartHour     int
	EndHour       int
	Location      *time.Location
	AllowCritical bool
}

// Active reports whether now falls inside the window.
func (q QuietHours) Active(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	h := now.In(loc).Hour()
	switch {
	case q.StartHour < q.EndHour:
		return h >= q.StartHour && h < q.EndHour
	case q.StartHour > q.EndHour:
		return h >= q.StartHour || h < q.EndHour
	default:
		return false
	}
}

// RateWindow counts sends in the current minute and hour windows.
type RateWindow struct {
	MinuteCount int
	MinuteStart time.Time
	HourCount   int
	HourStart   time.Time
}

// GateConfig configures admission and destinations.
type GateConfig struct {
	MaxPerMinute int
	MaxPerHour   int
	QuietHours   QuietHours
	Main         transport.ChatTarget
	Urgent       transport.ChatTarget
}

// Outcome describes a finished Dispatch.
type Outcome struct {
	Result    Result
	Reason    string
	Escalated bool
}

const (
	reasonQuietHours = "quiet_hours"
	reasonMinute     = "minute_limit"
	reasonHour       = "hour_limit"
)

var errNoSender = errors.New("no sender configured")

// Gate decides whether a ready entry may be sent now and performs the send.
// It has its own lock so sends run without holding the pipeline lock.
type Gate struct {
	mu     sync.Mutex
	cfg    GateConfig
	window RateWindow
	sender transport.Sender
	log    logx.Logger
}

func NewGate(cfg GateConfig, sender transport.Sender, log logx.Logger, now time.Time) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		cfg:    cfg,
		sender: sender,
		log:    log,
		window: RateWindow{MinuteStart: now, HourStart: now},
	}
}

// Apply swaps limits, quiet hours and targets. Counters are kept.
func (g *Gate) Apply(cfg GateConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Admit reports whether a send is allowed at now.
func (g *Gate) Admit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked(now, TierLow) == ""
}

// QuietActive reports whether quiet hours are in effect at now.
func (g *Gate) QuietActive(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.QuietHours.Active(now)
}

// Window returns a copy of the rate counters.
func (g *Gate) Window() RateWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

// ResetMinute starts a new minute window.
func (g *Gate) ResetMinute(now time.Time) {
	g.mu.Lock()
	g.window.MinuteCount = 0
	g.window.MinuteStart = now
	g.mu.Unlock()
}

// ResetHour starts a new hour window.
func (g *Gate) ResetHour(now time.Time) {
	g.mu.Lock()
	g.window.HourCount = 0
	g.window.HourStart = now
	g.mu.Unlock()
}

// admitLocked returns the refusal reason, or "" when admitted.
func (g *Gate) admitLocked(now time.Time, tier Tier) string {
	qh := g.cfg.QuietHours
	if qh.Active(now) && !(qh.AllowCritical && tier == TierCritical) {
		return reasonQuietHours
	}
	// Roll windows that the reset timers have not caught yet.
	if now.Sub(g.window.MinuteStart) >= time.Minute {
		g.window.MinuteCount = 0
		g.window.MinuteStart = now
	}
	if now.Sub(g.window.HourStart) >= time.Hour {
		g.window.HourCount = 0
		g.window.HourStart = now
	}
	if g.window.MinuteCount >= g.cfg.MaxPerMinute {
		return reasonMinute
	}
	if g.window.HourCount >= g.cfg.MaxPerHour {
		return reasonHour
	}
	return ""
}

// Dispatch admits and sends the summary for rec. A refused entry yields
// ResultSuppressed; a send error yields ResultFailed and returns the error.
// Counters are taken at admission and given back if the main send fails.
func (g *Gate) Dispatch(ctx context.Context, entry PriorityEntry, rec ErrorRecord, now time.Time) (Outcome, error) {
	g.mu.Lock()
	if reason := g.admitLocked(now, entry.Tier); reason != "" {
		g.mu.Unlock()
		return Outcome{Result: ResultSuppressed, Reason: reason}, nil
	}
	g.window.MinuteCount++
	g.window.HourCount++
	minuteStart, hourStart := g.window.MinuteStart, g.window.HourStart
	cfg := g.cfg
	sender := g.sender
	log := g.log
	g.mu.Unlock()

	if rec.Tier < entry.Tier {
		rec.Tier = entry.Tier
	}

	err := errNoSender
	if sender != nil {
		opts := &transport.SendOptions{ParseMode: transport.ParseModeMarkdownV2, DisablePreview: true}
		_, err = sender.SendText(ctx, cfg.Main, FormatSummary(rec, now), opts)
	}
	if err != nil {
		g.mu.Lock()
		if g.window.MinuteStart.Equal(minuteStart) && g.window.MinuteCount > 0 {
			g.window.MinuteCount--
		}
		if g.window.HourStart.Equal(hourStart) && g.window.HourCount > 0 {
			g.window.HourCount--
		}
		g.mu.Unlock()
		return Outcome{Result: ResultFailed, Reason: "send"}, fmt.Errorf("send summary: %w", err)
	}

	out := Outcome{Result: ResultSent}
	if rec.Tier.Escalates() && !cfg.Urgent.IsZero() {
		opts := &transport.SendOptions{ParseMode: transport.ParseModeMarkdownV2, DisablePreview: true}
		if _, uerr := sender.SendText(ctx, cfg.Urgent, FormatEscalation(rec), opts); uerr != nil {
			log.Warn("urgent escalation failed",
				logx.String("signature", rec.Signature),
				logx.String("tier", rec.Tier.String()),
				logx.Err(uerr),
			)
		} else {
			out.Escalated = true
		}
	}
	return out, nil
}
