package intent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultTable(), DefaultOptions())
	require.NoError(t, err)
	return c
}

func TestClassifyScenarios(t *testing.T) {
	c := newClassifier(t)

	cases := []struct {
		text   string
		want   Type
		params map[string]any
	}{
		{"open firefox", OpenApplication, map[string]any{"application": "firefox"}},
		{"search for python tutorials", WebSearch, map[string]any{"query": "python tutorials"}},
		{"weather in new york", Weather, map[string]any{"location": "new york"}},
		{"call John", CallContact, map[string]any{"contact": "John"}},
		{"send message to Sarah.", MessageContact, map[string]any{"contact": "Sarah"}},
		{"what time is it", Time, map[string]any{}},
		{"minimize window", WindowManagement, map[string]any{"action": "minimize"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := c.Classify(tc.text)
			require.Equal(t, tc.want, got.Type)
			require.GreaterOrEqual(t, got.Confidence, 0.8)
			require.Equal(t, tc.params, got.Parameters)
			require.Empty(t, got.Suggestions)
		})
	}
}

func TestClassifyGibberishIsUnknown(t *testing.T) {
	c := newClassifier(t)
	got := c.Classify("asdkjasd")

	require.Equal(t, Unknown, got.Type)
	require.Zero(t, got.Confidence)
	require.Empty(t, got.Parameters)
	require.NotEmpty(t, got.Suggestions)
	require.Equal(t, c.Catalogue(), got.Suggestions)
}

func TestClassifyBlankInput(t *testing.T) {
	c := newClassifier(t)
	for _, text := range []string{"", "   ", "\t\n"} {
		got := c.Classify(text)
		require.Equal(t, Unknown, got.Type)
		require.Zero(t, got.Confidence)
		require.Empty(t, got.Parameters)
		require.Empty(t, got.Entities)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := newClassifier(t)
	inputs := []string{
		"open firefox",
		"please look up the weather in New York",
		"booting system",
		"email bob@example.com about invoice 42",
		"asdkjasd",
	}
	for _, text := range inputs {
		first := c.Classify(text)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, c.Classify(text))
		}
	}
}

func TestLowConfidenceFloor(t *testing.T) {
	c := newClassifier(t)
	inputs := []string{
		"asdkjasd", "zzz", "the quick brown fox", "boot", "lorem ipsum dolor",
		"open firefox", "hmm", "qwerty uiop",
	}
	for _, text := range inputs {
		got := c.Classify(text)
		if got.Type == Unknown {
			require.Zero(t, got.Confidence, text)
			continue
		}
		require.GreaterOrEqual(t, got.Confidence, DefaultOptions().LowConfidence, text)
		require.LessOrEqual(t, got.Confidence, 1.0, text)
	}
}

func TestGroupBonusAndSingleMatchPerIntent(t *testing.T) {
	c := newClassifier(t)

	winner, score := c.score("set a reminder")
	require.Equal(t, ReminderSet, winner.spec.Type)
	require.InDelta(t, patternWeight+0.5, score, 1e-9)

	winner, score = c.score("set a reminder to water the plants")
	require.Equal(t, ReminderSet, winner.spec.Type)
	require.InDelta(t, patternWeight+groupBonus+0.5, score, 1e-9)
}

func TestFuzzyVariationsCountOncePerIntent(t *testing.T) {
	c := newClassifier(t)
	winner, score := c.score("open firefox")
	require.Equal(t, OpenApplication, winner.spec.Type)
	require.InDelta(t, 1.5, score, 1e-9)
}

func TestContextualFallbackOnlyInUncertainBand(t *testing.T) {
	c := newClassifier(t)
	// The weak winner is open_application (see below); the rule overrides it.
	got := c.Classify("booting system")
	require.Equal(t, SystemStatus, got.Type)
	require.InDelta(t, 0.5, got.Confidence, 1e-9)
	require.Equal(t, []string{"Try saying 'system status'", "Try saying 'how is my computer doing'"}, got.Suggestions)

	opts := DefaultOptions()
	opts.ContextualFallback = false
	plain, err := New(DefaultTable(), opts)
	require.NoError(t, err)
	got = plain.Classify("booting system")
	require.Equal(t, OpenApplication, got.Type)
	require.InDelta(t, 0.5, got.Confidence, 1e-9)

	// Confident results are never relabelled.
	got = c.Classify("open the system settings")
	require.Equal(t, OpenApplication, got.Type)
	require.Equal(t, 1.0, got.Confidence)
}

func TestVolumeParameters(t *testing.T) {
	c := newClassifier(t)

	got := c.Classify("set volume to 50")
	require.Equal(t, VolumeControl, got.Type)
	require.Equal(t, map[string]any{"level": 50, "direction": "set"}, got.Parameters)
	level, ok := got.Int("level")
	require.True(t, ok)
	require.Equal(t, 50, level)

	got = c.Classify("volume up")
	require.Equal(t, VolumeControl, got.Type)
	require.Equal(t, map[string]any{"direction": "up"}, got.Parameters)

	got = c.Classify("unmute")
	require.Equal(t, VolumeControl, got.Type)
	require.Equal(t, "unmute", got.Param("direction"))
}

func TestEntitiesAreSortedAndDeduplicated(t *testing.T) {
	c := newClassifier(t)
	got := c.Classify("email bob@example.com or call 555-123-4567 about /tmp/report.txt 42 42")
	require.Equal(t, []string{
		"/tmp/report.txt",
		"123",
		"42",
		"4567",
		"555",
		"555-123-4567",
		"bob@example.com",
	}, got.Entities)
}

func TestURLParameterAndEntity(t *testing.T) {
	c := newClassifier(t)
	got := c.Classify("go to https://example.com/docs")
	require.Equal(t, BrowserControl, got.Type)
	require.Equal(t, "https://example.com/docs", got.Param("url"))
	require.Equal(t, []string{"https://example.com/docs"}, got.Entities)
}

func TestNormalizedText(t *testing.T) {
	c := newClassifier(t)
	got := c.Classify("Please, search for Café tutorials!")
	require.Equal(t, "search cafe tutori", got.NormalizedText)
}

func TestPartialRatio(t *testing.T) {
	require.Equal(t, 100, partialRatio("open", "open firefox"))
	require.Equal(t, 100, partialRatio("open firefox", "open"))
	require.Equal(t, 75, partialRatio("file", "open firefox"))
	require.Equal(t, 0, partialRatio("", "open"))
	require.Equal(t, 0, partialRatio("abc", "xyz"))
}

func TestEvaluateDefaultSamples(t *testing.T) {
	c := newClassifier(t)
	acc := c.Evaluate(DefaultSamples())
	require.Equal(t, acc.Total, acc.Correct, "misses: %+v", acc.Misses)
	require.Equal(t, 1.0, acc.Accuracy)
}

func TestDescribeAndSupportedTypes(t *testing.T) {
	types := SupportedTypes()
	require.Equal(t, OpenApplication, types[0])
	require.Equal(t, Unknown, types[len(types)-1])
	require.Equal(t, "Open or launch applications", Describe(OpenApplication))
	require.Equal(t, "No description available", Describe(Type("teleport")))
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.yaml")
	data := []byte(`
version: 1
intents:
  - type: time
    patterns: ['\bclock\b']
    examples: [clock]
  - type: open_application
    parameter: application
    patterns: ['\bopen\s+(\w+)']
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	c, err := New(table, DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, []Type{OpenApplication, Time}, c.Types())
	got := c.Classify("open gimp")
	require.Equal(t, OpenApplication, got.Type)
	require.Equal(t, "gimp", got.Param("application"))
	require.Equal(t, Time, c.Classify("clock").Type)
}

func TestValidateTableRejectsBadInput(t *testing.T) {
	cases := map[string]Table{
		"empty":        {},
		"unknown type": {Intents: []IntentSpec{{Type: "teleport", Patterns: []string{"x"}}}},
		"unknown":      {Intents: []IntentSpec{{Type: Unknown, Patterns: []string{"x"}}}},
		"no patterns":  {Intents: []IntentSpec{{Type: Time}}},
		"bad regex":    {Intents: []IntentSpec{{Type: Time, Patterns: []string{"(unclosed"}}}},
		"duplicate": {Intents: []IntentSpec{
			{Type: Time, Patterns: []string{"a"}},
			{Type: Time, Patterns: []string{"b"}},
		}},
		"context intent": {
			Intents: []IntentSpec{{Type: Time, Patterns: []string{"a"}}},
			Context: []ContextRule{{Category: "x", Intent: "nope", Keywords: []string{"x"}}},
		},
	}
	for name, table := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, ValidateTable(table))
		})
	}
}

func TestPatternKeywords(t *testing.T) {
	require.Equal(t, []string{"open", "launch", "start", "run", "boot", "up"},
		patternKeywords(`\b(?:open|launch|start|run|boot)\s+(?:up\s+)?(?:the\s+)?(\w+)`))
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.ClassifierConfig{LowConfidence: 0.3, Uncertain: 0.6, FuzzyThreshold: 70, AliasThreshold: 80})
	require.NoError(t, err)
	require.Equal(t, Time, c.Classify("what time is it").Type)

	_, err = FromConfig(config.ClassifierConfig{IntentsFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
