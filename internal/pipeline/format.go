package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	maxSampleDisplayRunes = 300
	digestMaxRows         = 15
)

var markdownSpecial = `_*[]()~` + "`" + `>#+-=|{}.!\`

// EscapeMarkdown escapes s for Telegram MarkdownV2.
func EscapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

func tierBadge(t Tier) string {
	switch t {
	case TierCritical:
		return "🚨 CRITICAL"
	case TierHigh:
		return "⚠️ HIGH"
	case TierMedium:
		return "🔶 MEDIUM"
	default:
		return "ℹ️ LOW"
	}
}

// FormatSummary renders the main-channel notification for rec.
func FormatSummary(rec ErrorRecord, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s\n", EscapeMarkdown(tierBadge(rec.Tier)), EscapeMarkdown(string(rec.Category)))
	fmt.Fprintf(&b, "Occurrences: *%s*\n", EscapeMarkdown(humanize.Comma(int64(rec.Count))))
	fmt.Fprintf(&b, "First seen: %s\n", EscapeMarkdown(seenAt(rec.FirstSeen, now)))
	fmt.Fprintf(&b, "Last seen: %s\n", EscapeMarkdown(seenAt(rec.LastSeen, now)))
	if rec.Kind != "" {
		fmt.Fprintf(&b, "Kind: %s\n", EscapeMarkdown(rec.Kind))
	}
	if rec.SourceFile != "" {
		fmt.Fprintf(&b, "Source: `%s`\n", escapeCode(rec.SourceFile))
	}
	if len(rec.Samples) > 0 {
		b.WriteString("\n*Samples*\n")
		for _, s := range rec.Samples {
			fmt.Fprintf(&b, "• %s\n", EscapeMarkdown(truncateRunes(s, maxSampleDisplayRunes)))
		}
	}
	fmt.Fprintf(&b, "\n`%s`", escapeCode(rec.Signature))
	return b.String()
}

// FormatEscalation renders the one-line urgent notice.
func FormatEscalation(rec ErrorRecord) string {
	msg := ""
	if len(rec.Samples) > 0 {
		msg = truncateRunes(rec.Samples[len(rec.Samples)-1], 120)
	}
	return fmt.Sprintf("*%s* %s x%s: %s",
		EscapeMarkdown(tierBadge(rec.Tier)),
		EscapeMarkdown(string(rec.Category)),
		EscapeMarkdown(humanize.Comma(int64(rec.Count))),
		EscapeMarkdown(msg),
	)
}

// FormatDigest renders a summary of the busiest records.
func FormatDigest(recs []ErrorRecord, now time.Time) string {
	if len(recs) == 0 {
		return EscapeMarkdown("Error digest: nothing recorded.")
	}
	sorted := append([]ErrorRecord(nil), recs...)
	sortRecordsBySeverity(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "*Error digest* %s\n", EscapeMarkdown(fmt.Sprintf("(%d signatures)", len(sorted))))
	for i, r := range sorted {
		if i == digestMaxRows {
			fmt.Fprintf(&b, "%s\n", EscapeMarkdown(fmt.Sprintf("... and %d more", len(sorted)-digestMaxRows)))
			break
		}
		fmt.Fprintf(&b, "%s %s x%s, last %s\n",
			EscapeMarkdown(r.Tier.String()),
			EscapeMarkdown(string(r.Category)),
			EscapeMarkdown(humanize.Comma(int64(r.Count))),
			EscapeMarkdown(humanize.RelTime(r.LastSeen, now, "ago", "from now")),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func seenAt(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05 MST") + " (" + humanize.RelTime(t, now, "ago", "from now") + ")"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// sortRecordsBySeverity orders by tier, then count, then most recent.
func sortRecordsBySeverity(recs []ErrorRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.LastSeen.After(b.LastSeen)
	})
}
