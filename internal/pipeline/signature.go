package pipeline

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// Classification is the output of Classify.
type Classification struct {
	Category  Category
	Signature string
}

type categoryRule struct {
	category Category
	needles  []string
}

// categoryRules is evaluated top to bottom; the first rule with a matching
// needle wins. Order matters: "network socket closed" is NETWORK. The
// permission needles are Firebase's own spellings; an OS "permission denied"
// stays GENERAL.
var categoryRules = []categoryRule{
	{CategoryFirebasePermission, []string{"firebase", "permission-denied", "permission_denied", "missing or insufficient permissions"}},
	{CategoryNetwork, []string{"network", "econnrefused", "econnreset", "etimedout", "fetch failed", "connection refused", "connection reset", "no such host", "i/o timeout"}},
	{CategoryAPIKey, []string{"api key", "api_key", "apikey", "invalid key"}},
	{CategorySocketConnection, []string{"socket", "websocket"}},
	{CategorySyntax, []string{"syntaxerror", "syntax error", "unexpected token"}},
	{CategoryType, []string{"typeerror", "is not a function", "cannot read propert", "interface conversion"}},
	{CategoryReference, []string{"referenceerror", "is not defined", "nil pointer dereference", "invalid memory address"}},
}

const maxNormalizedRunes = 200

// Classify maps an event to its category and signature. It is pure and total.
func Classify(ev ErrorEvent) Classification {
	lower := strings.ToLower(ev.Message)
	file := strings.ToLower(strings.TrimSpace(ev.SourceFile))

	for _, r := range categoryRules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return Classification{
					Category:  r.category,
					Signature: string(r.category) + ":" + hash64(normalizeMessage(lower), "|", file),
				}
			}
		}
	}
	return Classification{
		Category:  CategoryGeneral,
		Signature: string(CategoryGeneral) + ":" + hash64(lower, file),
	}
}

// normalizeMessage collapses digit runs and whitespace so messages that only
// differ by ids, ports or counters share a signature. Input must be lowercase.
func normalizeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	prevDigit, prevSpace := false, false
	for _, r := range s {
		if n >= maxNormalizedRunes {
			break
		}
		switch {
		case unicode.IsDigit(r):
			if prevDigit {
				continue
			}
			b.WriteByte('#')
			prevDigit, prevSpace = true, false
		case unicode.IsSpace(r):
			if prevSpace {
				continue
			}
			b.WriteByte(' ')
			prevDigit, prevSpace = false, true
		default:
			b.WriteRune(r)
			prevDigit, prevSpace = false, false
		}
		n++
	}
	return strings.TrimSpace(b.String())
}

func hash64(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
