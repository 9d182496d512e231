// Package keys builds cache keys and recovers the work category encoded in
// them.
package keys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

type Category string

const (
	FlowAnalysis Category = "flow_analysis"
	Productivity Category = "productivity"
	KnowledgeGap Category = "knowledge_gap"
	Search       Category = "search"
	Generic      Category = "generic"
)

// Categories lists every category in parse priority order.
var Categories = []Category{FlowAnalysis, KnowledgeGap, Productivity, Search, Generic}

var punctRe = regexp.MustCompile(`\s*([=<>!\.,\(\)&])\s*`)

// Key builds "<category>:<op>:p=<params>:h=<hash>". The params text is
// normalised before hashing so spacing variants collapse to one key.
func Key(category Category, op string, params string) string {
	if category == "" {
		category = Generic
	}
	opNorm := sanitize(strings.TrimSpace(op), false)
	paramText := normalizeParams(params)
	paramSafe := sanitize(paramText, true)

	const maxParamTextLen = 160
	if len(paramSafe) > maxParamTextLen {
		paramSafe = paramSafe[:maxParamTextLen]
	}

	sum := xxhash.Sum64String(paramText)

	return fmt.Sprintf("%s:%s:p=%s:h=%016x", category, opNorm, paramSafe, sum)
}

// ParseCategory returns the category marker carried by key. Keys built by
// Key carry it as the first segment; free-form keys are matched by marker
// substrings and fall back to Generic.
func ParseCategory(key string) Category {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return Generic
	}
	head, _, _ := strings.Cut(k, ":")
	for _, c := range Categories {
		if head == string(c) {
			return c
		}
	}
	switch {
	case strings.Contains(k, "flow"):
		return FlowAnalysis
	case strings.Contains(k, "knowledge_gap"), strings.Contains(k, "knowledge-gap"), strings.Contains(k, "gap"):
		return KnowledgeGap
	case strings.Contains(k, "productivity"):
		return Productivity
	case strings.Contains(k, "search"):
		return Search
	}
	return Generic
}

func normalizeParams(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	return punctRe.ReplaceAllString(s, "$1")
}

func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIISpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		case r == '=' && allowEq:
			out = r
		default:
			// Any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIISpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIISpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
