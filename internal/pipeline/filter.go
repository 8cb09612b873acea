package pipeline

import "strings"

// sinkErrorPatterns match errors produced by the delivery path itself. Such
// events are dropped before classification so a failing sink cannot notify
// about its own failures.
var sinkErrorPatterns = []string{
	"too many requests",
	"retry after",
	"api.telegram.org",
	"telegram: ",
	"etelegram",
	"bot was blocked",
	"chat not found",
	"circuit breaker is open",
	"notifier queue full",
	"notifier stopped",
}

// LoopFilter drops events whose message matches a sink error pattern or a
// configured ignore pattern. Matching is case-insensitive.
type LoopFilter struct {
	patterns []string
}

func NewLoopFilter(extra []string) *LoopFilter {
	ps := make([]string, 0, len(sinkErrorPatterns)+len(extra))
	ps = append(ps, sinkErrorPatterns...)
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			ps = append(ps, p)
		}
	}
	return &LoopFilter{patterns: ps}
}

// Drop reports whether msg must never enter the pipeline.
func (f *LoopFilter) Drop(msg string) bool {
	if f == nil {
		return false
	}
	lower := strings.ToLower(msg)
	for _, p := range f.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
