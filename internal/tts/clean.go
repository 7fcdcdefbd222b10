package tts

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	urlPattern    = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	numberPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+|\d+`)
	spacePattern  = regexp.MustCompile(`\s+`)

	symbolReplacer = strings.NewReplacer("&", " and ", "%", " percent", "@", " at ")
)

const maxSpokenNumber = 999_999

// CleanText prepares assistant replies for synthesis: links are replaced by
// the word "link", common symbols are spelled out, standalone integers up to
// 999,999 become words and whitespace is collapsed. Clock times, decimals and
// tokens mixing digits with letters are left untouched.
func CleanText(text string) string {
	out := urlPattern.ReplaceAllString(text, "link")
	out = symbolReplacer.Replace(out)
	out = spellNumbers(out)
	return strings.TrimSpace(spacePattern.ReplaceAllString(out, " "))
}

func spellNumbers(text string) string {
	matches := numberPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		b.WriteString(text[last:start])
		last = end

		raw := text[start:end]
		if attached(text, start, end) {
			b.WriteString(raw)
			continue
		}
		n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
		if err != nil || n > maxSpokenNumber {
			b.WriteString(raw)
			continue
		}
		b.WriteString(SpellNumber(n))
	}
	b.WriteString(text[last:])
	return b.String()
}

// attached reports whether the digits at text[start:end] belong to a larger
// token such as 3:04, 1.5, mp3 or 2nd.
func attached(text string, start, end int) bool {
	if start > 0 {
		switch c := text[start-1]; {
		case c == ':' || c == '.' || c == '/' || c == '-' || isLetter(c):
			return true
		}
	}
	if end < len(text) {
		c := text[end]
		switch {
		case c == ':' || c == '/' || c == '-' || isLetter(c):
			return true
		case c == '.' && end+1 < len(text) && isDigit(text[end+1]):
			return true
		}
	}
	return false
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tensNumbers = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// SpellNumber writes n in English words. Values outside 0..999,999 are
// returned as digits.
func SpellNumber(n int) string {
	if n < 0 || n > maxSpokenNumber {
		return strconv.Itoa(n)
	}
	if n < 1000 {
		return spellHundreds(n)
	}
	words := spellHundreds(n/1000) + " thousand"
	if rest := n % 1000; rest > 0 {
		words += " " + spellHundreds(rest)
	}
	return words
}

func spellHundreds(n int) string {
	if n < 100 {
		return spellTens(n)
	}
	words := smallNumbers[n/100] + " hundred"
	if rest := n % 100; rest > 0 {
		words += " " + spellTens(rest)
	}
	return words
}

func spellTens(n int) string {
	if n < 20 {
		return smallNumbers[n]
	}
	words := tensNumbers[n/10]
	if rest := n % 10; rest > 0 {
		words += "-" + smallNumbers[rest]
	}
	return words
}
