package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscapeMarkdown(t *testing.T) {
	cases := map[string]string{
		"plain":             "plain",
		"a_b*c":             `a\_b\*c`,
		"[x](y)":            `\[x\]\(y\)`,
		"1.5 + 2 = 3.5!":    `1\.5 \+ 2 \= 3\.5\!`,
		"path\\to":          `path\\to`,
		"`code` ~ > # | {}": "\\`code\\` \\~ \\> \\# \\| \\{\\}",
		"a-b":               `a\-b`,
	}
	for in, want := range cases {
		assert.Equal(t, want, EscapeMarkdown(in), in)
	}
}

func TestFormatSummaryContainsRecordDetails(t *testing.T) {
	rec := ErrorRecord{
		Signature: "NETWORK:abc123",
		Category:  CategoryNetwork,
		Tier:      TierHigh,
		Count:     1234,
		FirstSeen: t0,
		LastSeen:  t0.Add(5 * time.Minute),
		Samples:   []string{"dial tcp: connection refused", "i/o timeout (db.internal)"},
		Kind:      KindLogError,
	}
	out := FormatSummary(rec, t0.Add(10*time.Minute))

	assert.Contains(t, out, "HIGH")
	assert.Contains(t, out, "NETWORK")
	assert.Contains(t, out, `1,234`)
	assert.Contains(t, out, `i/o timeout \(db\.internal\)`)
	assert.Contains(t, out, "`NETWORK:abc123`")
	assert.Contains(t, out, "ago")
}

func TestFormatSummaryTruncatesLongSamples(t *testing.T) {
	rec := ErrorRecord{Signature: "GENERAL:1", Category: CategoryGeneral, Tier: TierLow, Count: 1, Samples: []string{strings.Repeat("x", 2000)}}
	out := FormatSummary(rec, t0)
	assert.Less(t, len(out), 1000)
	assert.Contains(t, out, `\.\.\.`)
}

func TestFormatDigestOrdersBySeverity(t *testing.T) {
	recs := []ErrorRecord{
		{Signature: "a", Category: CategoryGeneral, Tier: TierLow, Count: 1, LastSeen: t0},
		{Signature: "b", Category: CategoryNetwork, Tier: TierCritical, Count: 40, LastSeen: t0},
		{Signature: "c", Category: CategoryType, Tier: TierMedium, Count: 3, LastSeen: t0},
	}
	out := FormatDigest(recs, t0.Add(time.Hour))
	iCrit := strings.Index(out, "CRITICAL")
	iMed := strings.Index(out, "MEDIUM")
	iLow := strings.Index(out, "LOW")
	assert.True(t, iCrit >= 0 && iCrit < iMed && iMed < iLow, out)
	assert.Contains(t, out, `\(3 signatures\)`)
}

func TestFormatDigestEmpty(t *testing.T) {
	assert.Contains(t, FormatDigest(nil, t0), "nothing recorded")
}
