package extractor

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// FindExcerpt locates excerpt in text as a case-insensitive literal match
// and returns its byte span in text. Surrounding whitespace on the excerpt is
// ignored; an empty excerpt never matches.
func FindExcerpt(text, excerpt string) (Span, bool) {
	excerpt = strings.TrimSpace(excerpt)
	if excerpt == "" {
		return Span{}, false
	}
	for i := 0; i < len(text); {
		if n, ok := hasPrefixFold(text[i:], excerpt); ok {
			return Span{Start: i, End: i + n}, true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return Span{}, false
}

// hasPrefixFold reports whether s starts with prefix under simple case
// folding, and how many bytes of s the match covers.
func hasPrefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, pr := range prefix {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if !equalFoldRune(sr, pr) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}
