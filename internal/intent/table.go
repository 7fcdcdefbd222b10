package intent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_table.yaml
var defaultTableYAML []byte

// Table is the declarative pattern set behind a Classifier.
type Table struct {
	Version      int                 `yaml:"version"`
	Intents      []IntentSpec        `yaml:"intents"`
	Variations   map[string][]string `yaml:"variations"`
	Applications []Alias             `yaml:"applications"`
	Services     []Alias             `yaml:"services"`
	Context      []ContextRule       `yaml:"context"`
	StopWords    []string            `yaml:"stop_words"`
}

type IntentSpec struct {
	Type      Type     `yaml:"type"`
	Parameter string   `yaml:"parameter"`
	Patterns  []string `yaml:"patterns"`
	Examples  []string `yaml:"examples"`
}

// Alias maps spoken names onto a canonical application or service name.
type Alias struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// ContextRule relabels uncertain results that mention one of its keywords.
// The rule applies to whatever intent won in the uncertain band, not only to
// Unknown: a weak open_application match on "booting system" becomes
// system_status. Results below the low-confidence floor stay Unknown.
type ContextRule struct {
	Category string   `yaml:"category"`
	Intent   Type     `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
}

// DefaultTable returns the compiled-in table.
func DefaultTable() Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("intent: invalid default table: %v", err))
	}
	return t
}

func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read intent table: %w", err)
	}
	return ParseTable(data)
}

func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse intent table: %w", err)
	}
	if err := ValidateTable(t); err != nil {
		return Table{}, err
	}
	return t, nil
}

func ValidateTable(t Table) error {
	if len(t.Intents) == 0 {
		return errors.New("intent table must declare at least one intent")
	}
	seen := make(map[Type]struct{}, len(t.Intents))
	for i, spec := range t.Intents {
		if !spec.Type.Valid() || spec.Type == Unknown {
			return fmt.Errorf("intents[%d]: unsupported type %q", i, spec.Type)
		}
		if _, dup := seen[spec.Type]; dup {
			return fmt.Errorf("intents[%d]: duplicate type %q", i, spec.Type)
		}
		seen[spec.Type] = struct{}{}
		if len(spec.Patterns) == 0 {
			return fmt.Errorf("intent %s: at least one pattern is required", spec.Type)
		}
		for j, p := range spec.Patterns {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("intent %s: pattern %d is empty", spec.Type, j)
			}
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("intent %s: pattern %d: %w", spec.Type, j, err)
			}
		}
	}
	for key, vars := range t.Variations {
		if len(vars) == 0 {
			return fmt.Errorf("variations[%s]: must not be empty", key)
		}
	}
	for _, set := range [][]Alias{t.Applications, t.Services} {
		for i, a := range set {
			if a.Name == "" || len(a.Aliases) == 0 {
				return fmt.Errorf("alias %d: name and aliases are required", i)
			}
		}
	}
	for i, rule := range t.Context {
		if !rule.Intent.Valid() || rule.Intent == Unknown {
			return fmt.Errorf("context[%d]: unsupported intent %q", i, rule.Intent)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("context[%d]: keywords are required", i)
		}
	}
	return nil
}

var (
	regexEscape = regexp.MustCompile(`\\[a-zA-Z]`)
	regexWord   = regexp.MustCompile(`[a-z]{2,}`)
)

var keywordSkip = map[string]struct{}{
	"for": {}, "the": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"an": {}, "my": {}, "me": {}, "is": {}, "it": {},
}

// patternKeywords lists the literal words of a regular expression.
func patternKeywords(pattern string) []string {
	stripped := regexEscape.ReplaceAllString(strings.ToLower(pattern), " ")
	var out []string
	for _, w := range regexWord.FindAllString(stripped, -1) {
		if _, skip := keywordSkip[w]; skip {
			continue
		}
		out = append(out, w)
	}
	return out
}
