package intent

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// normalizer folds text into lowercase stemmed tokens.
type normalizer struct {
	stop map[string]struct{}
}

func newNormalizer(stopWords []string) *normalizer {
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &normalizer{stop: stop}
}

func (n *normalizer) fold(text string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	// Casers carry state and are not shared across goroutines.
	return cases.Lower(language.English).String(folded)
}

func (n *normalizer) tokens(text string) []string {
	cleaned := nonWord.ReplaceAllString(n.fold(text), " ")
	var out []string
	for _, tok := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(tok) < 2 {
			continue
		}
		if _, stop := n.stop[tok]; stop {
			continue
		}
		stemmed, err := snowball.Stem(tok, "english", true)
		if err != nil || stemmed == "" {
			stemmed = tok
		}
		out = append(out, stemmed)
	}
	return out
}

func (n *normalizer) normalize(text string) string {
	return strings.Join(n.tokens(text), " ")
}

// words returns the folded, unstemmed word set of text.
func (n *normalizer) words(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(nonWord.ReplaceAllString(n.fold(text), " ")) {
		out[w] = struct{}{}
	}
	return out
}

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.]?\d{4}`),
	regexp.MustCompile(`\+\d{1,3}[-.]?\d{10}\b`),
}

var (
	emailPattern    = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)
	unixPathPattern = regexp.MustCompile(`(?:^|\s)(/[^\s:*?"<>|]+)`)
	winPathPattern  = regexp.MustCompile(`\b[A-Za-z]:\\[^\s:*?"<>|]+`)
	numberPattern   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// extractEntities sweeps text for emails, phone numbers, URLs, file paths
// and numbers. The result is de-duplicated and sorted.
func extractEntities(text string) []string {
	set := make(map[string]struct{})
	add := func(values ...string) {
		for _, v := range values {
			v = strings.TrimRight(v, ".,;:!?)")
			if v != "" {
				set[v] = struct{}{}
			}
		}
	}

	add(emailPattern.FindAllString(text, -1)...)
	for _, p := range phonePatterns {
		add(p.FindAllString(text, -1)...)
	}
	urls := urlPattern.FindAllString(text, -1)
	add(urls...)

	// URL paths are not file paths.
	withoutURLs := urlPattern.ReplaceAllString(text, " ")
	for _, m := range unixPathPattern.FindAllStringSubmatch(withoutURLs, -1) {
		add(m[1])
	}
	add(winPathPattern.FindAllString(withoutURLs, -1)...)
	add(numberPattern.FindAllString(text, -1)...)

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
