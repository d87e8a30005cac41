// Package textnorm folds Spanish text into a canonical form for matching:
// lower case, no diacritics, single spaces between word tokens.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips combining marks ("Alimentación" -> "alimentacion").
// Characters such as digits, punctuation and spacing are preserved.
func Fold(s string) string {
	// transform chains keep state, so one is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokens splits folded text into word tokens made of letters and digits.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Canonical returns the folded tokens of s joined by single spaces.
func Canonical(s string) string {
	return strings.Join(Tokens(s), " ")
}

// ContainsPhrase reports whether phrase occurs in text as whole words.
// Both sides are folded, so "Almuerzo" matches "almuerzo" and "debito" matches "débito".
func ContainsPhrase(text, phrase string) bool {
	p := Canonical(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+Canonical(text)+" ", " "+p+" ")
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
