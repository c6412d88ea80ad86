// Package prune shortens text to fit prompt and message budgets without
// splitting UTF-8 sequences.
package prune

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultMarker = "[...]"
	// MaxKnowledgeBytes bounds the knowledge text placed in a system prompt.
	MaxKnowledgeBytes = 48 * 1024
	// MaxMonitorRunes bounds each text quoted in a monitor notification so
	// the whole notification stays under Telegram's 4096 character limit.
	MaxMonitorRunes = 1500
)

// Runes cuts s to at most max runes. When it cuts, the last runes are
// replaced by marker so the result still fits max.
func Runes(s string, max int, marker string) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	markerLen := utf8.RuneCountInString(marker)
	if markerLen >= max {
		return runePrefix(marker, max)
	}
	return runePrefix(s, max-markerLen) + marker
}

func runePrefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// HeadTail keeps the start and end of s within maxBytes, joined by marker on
// its own line. Two thirds of the budget go to the head.
func HeadTail(s string, maxBytes int, marker string) string {
	if len(s) <= maxBytes {
		return s
	}
	if marker == "" {
		marker = DefaultMarker
	}
	sep := "\n" + marker + "\n"
	budget := maxBytes - len(sep)
	if budget <= 0 {
		return safeUTF8Prefix(s, maxBytes)
	}
	headBytes := budget * 2 / 3
	head := trimToLine(safeUTF8Prefix(s, headBytes), true)
	tail := trimToLine(safeUTF8Suffix(s, budget-len(head)), false)
	return head + sep + tail
}

// trimToLine drops a trailing (head) or leading (tail) partial line when the
// piece still has at least one full line.
func trimToLine(s string, head bool) string {
	if head {
		if i := strings.LastIndexByte(s, '\n'); i > 0 {
			return s[:i]
		}
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}

func safeUTF8Prefix(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) == 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func safeUTF8Suffix(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) == 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
