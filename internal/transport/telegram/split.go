package telegram

import "strings"

// TextLimit is the Telegram message length limit in characters.
const TextLimit = 4096

// splitText splits s into chunks of at most limit runes. It prefers newline
// boundaries, and in MarkdownV2 mode never leaves an escape backslash dangling
// at the end of a chunk.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	markdown := strings.EqualFold(parseMode, "MarkdownV2")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Skip tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if markdown && end < len(rs) {
			n := 0
			for i := end - 1; i >= start && rs[i] == '\\'; i-- {
				n++
			}
			if n%2 == 1 && end-1 > start {
				end--
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
