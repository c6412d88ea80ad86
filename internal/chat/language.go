package chat

import (
	"strings"
	"unicode"
)

// Language is one of the supported reply languages.
type Language string

const (
	Uzbek   Language = "uz"
	Russian Language = "ru"
	English Language = "en"
)

// DefaultLanguage is used when a language is unknown.
const DefaultLanguage = Uzbek

// Languages lists the supported languages in picker order.
var Languages = []Language{Uzbek, Russian, English}

func (l Language) IsValid() bool {
	switch l {
	case Uzbek, Russian, English:
		return true
	}
	return false
}

// ParseLanguage maps a stored or user-provided code to a Language,
// falling back to DefaultLanguage.
func ParseLanguage(raw string) Language {
	l := Language(strings.ToLower(strings.TrimSpace(raw)))
	if l.IsValid() {
		return l
	}
	return DefaultLanguage
}

var uzbekDigraphs = []string{"o'", "g'", "oʻ", "gʻ", "o‘", "g‘"}

var uzbekWords = map[string]bool{
	"salom": true, "rahmat": true, "qanday": true, "iltimos": true,
	"kerak": true, "nima": true, "yaxshi": true, "qancha": true, "bormi": true,
}

// DetectLanguage guesses the language of free text. Text that is mostly
// Cyrillic is Russian; Latin text with Uzbek markers or any non-ASCII letter
// is Uzbek; anything else is English.
func DetectLanguage(text string) Language {
	text = strings.TrimSpace(text)
	if text == "" {
		return DefaultLanguage
	}

	var letters, cyrillic int
	nonASCII := false
	for _, r := range text {
		if r > unicode.MaxASCII {
			nonASCII = true
		}
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Cyrillic, r) {
			cyrillic++
		}
	}

	lower := strings.ToLower(text)
	if strings.ContainsAny(lower, "ёяю") || (letters > 0 && float64(cyrillic)/float64(letters) > 0.3) {
		return Russian
	}
	for _, m := range uzbekDigraphs {
		if strings.Contains(lower, m) {
			return Uzbek
		}
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if uzbekWords[w] {
			return Uzbek
		}
	}
	if nonASCII {
		return Uzbek
	}
	return English
}
