package search

import (
	"strings"
	"unicode"
)

// tokenGap joins rewritten tokens. It only uses syntax every supported
// engine accepts, including POSIX ERE.
const tokenGap = "[^a-zA-Z0-9]*"

// FuzzyPattern rewrites text into a permissive regex used when the selected
// tool has no edit-distance matching. Tokens are split on anything that is
// not a Unicode letter or digit and on camelCase humps, any token separator is accepted between them, one
// extra character is tolerated after each character, and interior
// characters of tokens with four or more characters may be missing.
//
// The rewrite has lower precision than true edit-distance matching: it can
// match unrelated text and misses substitutions in the first and last
// characters of a token. Results produced with it are flagged approximate.
func FuzzyPattern(text string) string {
	tokens := fuzzyTokens(text)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = fuzzyToken(tok)
	}
	return strings.Join(parts, tokenGap)
}

func fuzzyToken(tok string) string {
	runes := []rune(tok)
	var b strings.Builder
	writeLiteral(&b, runes[0])
	for i := 1; i < len(runes); i++ {
		b.WriteString(".?")
		writeLiteral(&b, runes[i])
		if len(runes) >= 4 && i < len(runes)-1 {
			b.WriteByte('?')
		}
	}
	return b.String()
}

// writeLiteral groups non-ASCII runes so a following quantifier covers
// the whole character in byte-oriented engines too.
func writeLiteral(b *strings.Builder, r rune) {
	if r > unicode.MaxASCII {
		b.WriteByte('(')
		b.WriteRune(r)
		b.WriteByte(')')
		return
	}
	b.WriteRune(r)
}

// fuzzyTokens splits on anything that is not a letter or digit and at
// lower-to-upper case transitions.
func fuzzyTokens(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 && unicode.IsLower(cur[len(cur)-1]) {
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}
