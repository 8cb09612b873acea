package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"errbot/internal/pipeline"
	"errbot/internal/transport"
)

const defaultTopN = 10

func (m *Manager) registerBuiltins() {
	for _, c := range []Command{
		{Name: "status", Description: "pipeline health", Handle: m.cmdStatus},
		{Name: "stats", Description: "pipeline counters", Handle: m.cmdStats},
		{Name: "errors", Usage: "/errors [n]", Description: "most severe error signatures", Handle: m.cmdErrors},
		{Name: "error", Usage: "/error <signature>", Description: "details for one signature", Handle: m.cmdError},
		{Name: "help", Description: "list commands", Handle: m.cmdHelp},
	} {
		_ = m.Register(c)
	}
}

func (m *Manager) send(ctx context.Context, req *Request, text string, markdown bool) error {
	opt := &transport.SendOptions{DisablePreview: true}
	if markdown {
		opt.ParseMode = transport.ParseModeMarkdownV2
	}
	_, err := m.sender.SendText(ctx, req.Chat, text, opt)
	return err
}

func (m *Manager) cmdStatus(ctx context.Context, req *Request) error {
	st := m.src.Stats()
	now := m.now()
	lines := []string{
		"errbot status",
		"uptime: " + humanize.RelTime(m.start, now, "", ""),
		fmt.Sprintf("signatures: %s (critical %d)", humanize.Comma(int64(st.TotalSignatures)), st.CriticalCount),
		fmt.Sprintf("queued: %d", sumDepth(st.QueueDepthByTier)),
		fmt.Sprintf("sent this minute/hour: %d/%d", st.NotificationsThisMinute, st.NotificationsThisHour),
		"quiet hours: " + onOff(st.QuietHoursActive),
	}
	if m.status != nil {
		lines = append(lines, m.status()...)
	}
	return m.send(ctx, req, strings.Join(lines, "\n"), false)
}

func (m *Manager) cmdStats(ctx context.Context, req *Request) error {
	st := m.src.Stats()
	var b strings.Builder
	b.WriteString("pipeline stats\n")
	row := func(k string, v uint64) { fmt.Fprintf(&b, "%s: %s\n", k, humanize.Comma(int64(v))) }
	row("received", st.Received)
	row("ignored", st.Ignored)
	row("burst suppressed", st.BurstSuppressed)
	row("sent", st.Sent)
	row("suppressed", st.Suppressed)
	row("sink failures", st.SinkFailures)
	row("queue rejected", st.QueueRejected)
	row("evicted", st.Evicted)
	fmt.Fprintf(&b, "recurring signatures: %d\n", st.RecurringCount)

	tiers := make([]string, 0, len(st.QueueDepthByTier))
	for t := range st.QueueDepthByTier {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		a, _ := pipeline.ParseTier(tiers[i])
		c, _ := pipeline.ParseTier(tiers[j])
		return a > c
	})
	for _, t := range tiers {
		fmt.Fprintf(&b, "queue %s: %d\n", t, st.QueueDepthByTier[t])
	}
	return m.send(ctx, req, strings.TrimRight(b.String(), "\n"), false)
}

func (m *Manager) cmdErrors(ctx context.Context, req *Request) error {
	n := defaultTopN
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return m.send(ctx, req, "usage: /errors [n]", false)
		}
		n = v
	}
	recs := m.src.Top(n)
	if len(recs) == 0 {
		return m.send(ctx, req, "no errors recorded", false)
	}
	now := m.now()
	var b strings.Builder
	b.WriteString("*Top errors*\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "`%s` %s\n", r.Signature, pipeline.EscapeMarkdown(fmt.Sprintf("%s %s x%s, last %s",
			r.Tier, r.Category, humanize.Comma(int64(r.Count)), humanize.RelTime(r.LastSeen, now, "ago", "from now"))))
	}
	return m.send(ctx, req, strings.TrimRight(b.String(), "\n"), true)
}

func (m *Manager) cmdError(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return m.send(ctx, req, "usage: /error <signature>", false)
	}
	rec, ok := m.src.Record(req.Args[0])
	if !ok {
		return m.send(ctx, req, "no such signature", false)
	}
	return m.send(ctx, req, pipeline.FormatSummary(rec, m.now()), true)
}

func (m *Manager) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("commands\n")
	for _, c := range m.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s  %s\n", usage, c.Description)
	}
	return m.send(ctx, req, strings.TrimRight(b.String(), "\n"), false)
}

func sumDepth(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func onOff(b bool) string {
	if b {
		return "active"
	}
	return "inactive"
}
