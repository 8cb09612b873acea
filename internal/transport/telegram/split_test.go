package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShortMessageIsUntouched(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 0, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 30)
	s := strings.Join([]string{line, line, line, line}, "\n")

	chunks := splitText(s, 70, "")
	require.Len(t, chunks, 2)
	assert.Equal(t, line+"\n"+line, chunks[0])
	assert.Equal(t, line+"\n"+line, chunks[1])
}

func TestSplitTextRespectsLimit(t *testing.T) {
	s := strings.Repeat("é", TextLimit*2+10)
	chunks := splitText(s, TextLimit, "")
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), TextLimit)
	}
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestSplitTextKeepsMarkdownEscapesTogether(t *testing.T) {
	// Position 9 holds the backslash that escapes the dot at position 10.
	s := strings.Repeat("x", 9) + `\.` + strings.Repeat("y", 9)
	chunks := splitText(s, 10, "MarkdownV2")
	require.GreaterOrEqual(t, len(chunks), 2)
	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, strings.HasSuffix(c, `\`), c)
	}
	assert.Equal(t, s, strings.Join(chunks, ""))

	plain := splitText(s, 10, "")
	assert.True(t, strings.HasSuffix(plain[0], `\`))
}
