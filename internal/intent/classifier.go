package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

const (
	patternWeight = 0.8
	groupBonus    = 0.2
	fuzzyWeight   = 0.5
)

type Options struct {
	LowConfidence      float64
	Uncertain          float64
	FuzzyThreshold     int
	AliasThreshold     int
	// ContextualFallback lets ContextRules override the winning intent when
	// confidence is in [LowConfidence, Uncertain).
	ContextualFallback bool
}

func DefaultOptions() Options {
	return Options{
		LowConfidence:      0.3,
		Uncertain:          0.6,
		FuzzyThreshold:     70,
		AliasThreshold:     80,
		ContextualFallback: true,
	}
}

type compiledIntent struct {
	spec       IntentSpec
	patterns   []*regexp.Regexp
	variations []string
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	opts         Options
	intents      []compiledIntent
	byType       map[Type]*compiledIntent
	applications []Alias
	services     []Alias
	context      []ContextRule
	norm         *normalizer
	catalogue    []string
}

func New(table Table, opts Options) (*Classifier, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	c := &Classifier{
		opts:         opts,
		byType:       make(map[Type]*compiledIntent, len(table.Intents)),
		applications: table.Applications,
		services:     table.Services,
		context:      table.Context,
		norm:         newNormalizer(table.StopWords),
	}

	specs := make([]IntentSpec, len(table.Intents))
	copy(specs, table.Intents)
	sort.SliceStable(specs, func(i, j int) bool { return rank(specs[i].Type) < rank(specs[j].Type) })

	c.intents = make([]compiledIntent, 0, len(specs))
	for _, spec := range specs {
		ci := compiledIntent{spec: spec}
		vars := make(map[string]struct{})
		for _, p := range spec.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("intent %s: %w", spec.Type, err)
			}
			ci.patterns = append(ci.patterns, re)
			for _, kw := range patternKeywords(p) {
				for _, v := range table.Variations[kw] {
					vars[strings.ToLower(v)] = struct{}{}
				}
			}
		}
		for v := range vars {
			ci.variations = append(ci.variations, v)
		}
		sort.Strings(ci.variations)
		c.intents = append(c.intents, ci)
	}
	for i := range c.intents {
		c.byType[c.intents[i].spec.Type] = &c.intents[i]
		if ex := c.intents[i].spec.Examples; len(ex) > 0 {
			c.catalogue = append(c.catalogue, fmt.Sprintf("%s: '%s'", Describe(c.intents[i].spec.Type), ex[0]))
		}
	}
	return c, nil
}

// NewDefault builds a classifier over the compiled-in table.
func NewDefault(opts Options) *Classifier {
	c, err := New(DefaultTable(), opts)
	if err != nil {
		panic(fmt.Sprintf("intent: default table: %v", err))
	}
	return c
}

func OptionsFromConfig(cfg config.ClassifierConfig) Options {
	return Options{
		LowConfidence:      cfg.LowConfidence,
		Uncertain:          cfg.Uncertain,
		FuzzyThreshold:     cfg.FuzzyThreshold,
		AliasThreshold:     cfg.AliasThreshold,
		ContextualFallback: cfg.ContextualFallback,
	}
}

// FromConfig builds a classifier over cfg.IntentsFile, or the compiled-in
// table when no file is configured.
func FromConfig(cfg config.ClassifierConfig) (*Classifier, error) {
	opts := OptionsFromConfig(cfg)
	if cfg.IntentsFile == "" {
		return NewDefault(opts), nil
	}
	table, err := LoadTable(cfg.IntentsFile)
	if err != nil {
		return nil, fmt.Errorf("load intents: %w", err)
	}
	c, err := New(table, opts)
	if err != nil {
		return nil, fmt.Errorf("compile intents %s: %w", cfg.IntentsFile, err)
	}
	return c, nil
}

// Classify maps text onto the best matching intent.
func (c *Classifier) Classify(text string) Intent {
	original := strings.TrimSpace(text)
	if original == "" {
		return Intent{
			Type:       Unknown,
			Parameters: map[string]any{},
			Entities:   []string{},
		}
	}

	result := Intent{
		Type:           Unknown,
		Parameters:     map[string]any{},
		OriginalText:   original,
		NormalizedText: c.norm.normalize(original),
		Entities:       extractEntities(original),
	}

	winner, score := c.score(original)
	confidence := clamp(score)

	if winner == nil || confidence < c.opts.LowConfidence {
		result.Suggestions = c.Catalogue()
		return result
	}

	result.Type = winner.spec.Type
	result.Confidence = confidence
	result.Parameters = c.parameters(winner, original)

	if confidence < c.opts.Uncertain {
		if c.opts.ContextualFallback {
			if rule, ok := c.contextMatch(original); ok && rule.Intent != result.Type {
				if relabeled, known := c.byType[rule.Intent]; known {
					result.Type = rule.Intent
					result.Confidence = max(confidence, 0.5)
					result.Parameters = c.parameters(relabeled, original)
				}
			}
		}
		result.Suggestions = c.examples(result.Type)
	}
	return result
}

func (c *Classifier) score(text string) (*compiledIntent, float64) {
	lower := strings.ToLower(text)
	ratios := make(map[string]int)

	var (
		best      *compiledIntent
		bestScore float64
	)
	for i := range c.intents {
		ci := &c.intents[i]
		s := 0.0
		for _, re := range ci.patterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			s += patternWeight
			if capturedGroup(m) != "" {
				s += groupBonus
			}
			break
		}
		for _, v := range ci.variations {
			r, ok := ratios[v]
			if !ok {
				r = partialRatio(v, lower)
				ratios[v] = r
			}
			if r > c.opts.FuzzyThreshold {
				s += float64(r) / 100 * fuzzyWeight
			}
		}
		// Strict comparison keeps the first declared intent on ties.
		if s > bestScore {
			best, bestScore = ci, s
		}
	}
	return best, bestScore
}

func (c *Classifier) parameters(ci *compiledIntent, text string) map[string]any {
	params := map[string]any{}
	lower := strings.ToLower(text)

	switch ci.spec.Type {
	case OpenApplication:
		if name, ok := c.lookupAlias(c.applications, lower); ok {
			params["application"] = name
		}
	case BrowserControl:
		if name, ok := c.lookupAlias(c.services, lower); ok {
			params["site"] = name
		}
	}

	if key := ci.spec.Parameter; key != "" {
		if _, set := params[key]; !set {
			for _, re := range ci.patterns {
				m := re.FindStringSubmatch(text)
				if m == nil {
					continue
				}
				if v := cleanCapture(capturedGroup(m)); v != "" {
					params[key] = v
				}
				break
			}
		}
	}

	if ci.spec.Type == VolumeControl {
		if raw, ok := params["level"].(string); ok {
			delete(params, "level")
			if level, err := strconv.Atoi(raw); err == nil {
				params["level"] = level
			}
		}
		if dir := volumeDirection(lower); dir != "" {
			params["direction"] = dir
		} else if _, ok := params["level"]; ok {
			params["direction"] = "set"
		}
	}
	return params
}

func (c *Classifier) lookupAlias(set []Alias, lower string) (string, bool) {
	for _, a := range set {
		for _, alias := range a.Aliases {
			if partialRatio(strings.ToLower(alias), lower) > c.opts.AliasThreshold {
				return a.Name, true
			}
		}
	}
	return "", false
}

func (c *Classifier) contextMatch(text string) (ContextRule, bool) {
	words := c.norm.words(text)
	for _, rule := range c.context {
		for _, kw := range rule.Keywords {
			if _, ok := words[strings.ToLower(kw)]; ok {
				return rule, true
			}
		}
	}
	return ContextRule{}, false
}

func (c *Classifier) examples(t Type) []string {
	ci, ok := c.byType[t]
	if !ok || len(ci.spec.Examples) == 0 {
		return c.Catalogue()
	}
	out := make([]string, 0, len(ci.spec.Examples))
	for _, ex := range ci.spec.Examples {
		out = append(out, fmt.Sprintf("Try saying '%s'", ex))
	}
	return out
}

// Catalogue returns one example phrasing per intent, in declaration order.
func (c *Classifier) Catalogue() []string {
	out := make([]string, len(c.catalogue))
	copy(out, c.catalogue)
	return out
}

// Examples returns the example phrasings declared for t.
func (c *Classifier) Examples(t Type) []string {
	ci, ok := c.byType[t]
	if !ok {
		return nil
	}
	out := make([]string, len(ci.spec.Examples))
	copy(out, ci.spec.Examples)
	return out
}

// Types lists the intent types this classifier can produce.
func (c *Classifier) Types() []Type {
	out := make([]Type, 0, len(c.intents))
	for _, ci := range c.intents {
		out = append(out, ci.spec.Type)
	}
	return out
}

var (
	unmutePattern   = regexp.MustCompile(`(?i)\bunmute\b`)
	mutePattern     = regexp.MustCompile(`(?i)\bmute\b`)
	volumeUpPattern = regexp.MustCompile(`(?i)\b(?:up|increase|raise|louder)\b`)
	volumeDown      = regexp.MustCompile(`(?i)\b(?:down|decrease|lower|quieter)\b`)
)

func volumeDirection(text string) string {
	switch {
	case unmutePattern.MatchString(text):
		return "unmute"
	case mutePattern.MatchString(text):
		return "mute"
	case volumeUpPattern.MatchString(text):
		return "up"
	case volumeDown.MatchString(text):
		return "down"
	}
	return ""
}

func capturedGroup(m []string) string {
	for _, g := range m[1:] {
		if strings.TrimSpace(g) != "" {
			return g
		}
	}
	return ""
}

func cleanCapture(v string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(v), ".,;:!?"))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
