package handlers

import (
	"context"
	"fmt"
	"net/url"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/intent"
)

// Options carries the collaborators built-in handlers read from.
type Options struct {
	Runner  Runner
	Now     func() time.Time
	Started time.Time
	// Status adds orchestrator counters to the system status reply.
	Status func() map[string]any
	// Help lists example phrasings for the help reply.
	Help func() []string
}

// defaultCommands apply when the configuration has no entry for the type.
var defaultCommands = map[intent.Type]string{
	intent.OpenApplication: "{application}",
}

// detached types launch a program and return without waiting for it.
var detached = map[intent.Type]bool{
	intent.OpenApplication:    true,
	intent.BrowserControl:     true,
	intent.WebSearch:          true,
	intent.EmailControl:       true,
	intent.DocumentGeneration: true,
}

var siteURLs = map[string]string{
	"youtube":       "https://www.youtube.com",
	"github":        "https://github.com",
	"wikipedia":     "https://www.wikipedia.org",
	"reddit":        "https://www.reddit.com",
	"amazon":        "https://www.amazon.com",
	"netflix":       "https://www.netflix.com",
	"stackoverflow": "https://stackoverflow.com",
}

// Builtins builds the registry for every supported intent: configured
// command templates first, then the built-in handlers, then a handler that
// reports the action as not configured.
func Builtins(cfg config.HandlersConfig, opts Options) (*Registry, error) {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Started.IsZero() {
		opts.Started = opts.Now()
	}

	templates := make(map[intent.Type]commandTemplate)
	for key, raw := range defaultCommands {
		tpl, err := parseTemplate(raw)
		if err != nil {
			return nil, err
		}
		templates[key] = tpl
	}
	for key, raw := range cfg.Commands {
		t := intent.Type(key)
		if !t.Valid() || t == intent.Unknown {
			return nil, fmt.Errorf("handlers.commands: unknown intent %q", key)
		}
		tpl, err := parseTemplate(raw)
		if err != nil {
			return nil, fmt.Errorf("handlers.commands.%s: %w", key, err)
		}
		templates[t] = tpl
	}

	b := &builtins{cfg: cfg, opts: opts}
	native := map[intent.Type]Handler{
		intent.Time:           HandlerFunc(b.time),
		intent.Date:           HandlerFunc(b.date),
		intent.HelpRequest:    HandlerFunc(b.help),
		intent.SystemStatus:   HandlerFunc(b.systemStatus),
		intent.Weather:        HandlerFunc(b.weather),
		intent.WebSearch:      HandlerFunc(b.webSearch),
		intent.BrowserControl: HandlerFunc(b.browse),
	}

	reg := NewRegistry()
	for _, t := range intent.SupportedTypes() {
		if t == intent.Unknown {
			continue
		}
		var h Handler
		if tpl, ok := templates[t]; ok {
			h = &commandHandler{kind: t, template: tpl, runner: opts.Runner, detach: detached[t]}
		} else if n, ok := native[t]; ok {
			h = n
		} else {
			h = notConfigured(t)
		}
		if err := reg.Register(t, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

type builtins struct {
	cfg  config.HandlersConfig
	opts Options
}

func (b *builtins) time(context.Context, intent.Intent) (Reply, error) {
	now := b.opts.Now()
	return Reply{
		Result: map[string]any{"time": now.Format(time.RFC3339)},
		Speech: "The current time is " + now.Format("3:04 PM"),
	}, nil
}

func (b *builtins) date(context.Context, intent.Intent) (Reply, error) {
	now := b.opts.Now()
	return Reply{
		Result: map[string]any{"date": now.Format("2006-01-02")},
		Speech: "Today is " + now.Format("Monday, January 2, 2006"),
	}, nil
}

func (b *builtins) help(context.Context, intent.Intent) (Reply, error) {
	var examples []string
	if b.opts.Help != nil {
		examples = b.opts.Help()
	}
	speech := "I can open applications, search the web, tell you the time and more."
	if len(examples) > 0 {
		n := min(3, len(examples))
		speech = "Here are a few things you can ask: " + strings.Join(examples[:n], "; ") + "."
	}
	return Reply{Result: map[string]any{"commands": examples}, Speech: speech}, nil
}

func (b *builtins) systemStatus(context.Context, intent.Intent) (Reply, error) {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	uptime := b.opts.Now().Sub(b.opts.Started).Round(time.Second)
	allocMB := mem.Alloc / (1 << 20)
	goroutines := goruntime.NumGoroutine()

	result := map[string]any{
		"uptime_seconds": int(uptime.Seconds()),
		"goroutines":     goroutines,
		"alloc_mb":       allocMB,
		"sys_mb":         mem.Sys / (1 << 20),
		"num_cpu":        goruntime.NumCPU(),
	}
	if b.opts.Status != nil {
		for k, v := range b.opts.Status() {
			result[k] = v
		}
	}
	speech := fmt.Sprintf("All systems normal. I've been up for %s, using %d megabytes with %d goroutines.",
		humanDuration(uptime), allocMB, goroutines)
	return Reply{Result: result, Speech: speech}, nil
}

func (b *builtins) weather(_ context.Context, in intent.Intent) (Reply, error) {
	location := in.Param("location")
	result := map[string]any{"provider": "none"}
	speech := "I don't have a weather service configured yet."
	if location != "" {
		result["location"] = location
		speech = "I don't have a weather service configured, so I can't check the weather in " + location + "."
	}
	return Reply{Result: result, Speech: speech}, nil
}

func (b *builtins) webSearch(_ context.Context, in intent.Intent) (Reply, error) {
	query := in.Param("query")
	if query == "" {
		return Reply{}, fmt.Errorf("%w: query", ErrMissingParameter)
	}
	if b.cfg.SearchURL == "" || b.cfg.Opener == "" {
		return Reply{}, fmt.Errorf("%w: web search", ErrNotConfigured)
	}
	target := strings.ReplaceAll(b.cfg.SearchURL, "{query}", url.QueryEscape(query))
	if err := b.open(target); err != nil {
		return Reply{}, err
	}
	return Reply{
		Result: map[string]any{"query": query, "url": target},
		Speech: "Searching for " + query,
	}, nil
}

func (b *builtins) browse(_ context.Context, in intent.Intent) (Reply, error) {
	target := in.Param("url")
	if site := in.Param("site"); target == "" && site != "" {
		target = siteURLs[strings.ToLower(site)]
		if target == "" {
			target = "https://www." + strings.ToLower(site) + ".com"
		}
	}
	if target == "" {
		return Reply{}, fmt.Errorf("%w: url", ErrMissingParameter)
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return Reply{}, fmt.Errorf("invalid url %q: %w", target, err)
	}
	if err := b.open(target); err != nil {
		return Reply{}, err
	}
	return Reply{Result: map[string]any{"url": target}, Speech: "Opening " + displayHost(target)}, nil
}

func (b *builtins) open(target string) error {
	if b.cfg.Opener == "" {
		return fmt.Errorf("%w: opener", ErrNotConfigured)
	}
	tpl, err := parseTemplate(b.cfg.Opener)
	if err != nil {
		return err
	}
	return b.opts.Runner.Start(append(tpl.argv, target))
}

func displayHost(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "the link"
	}
	return strings.TrimPrefix(u.Host, "www.")
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return plural(int(d.Seconds()), "second")
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return plural(h, "hour")
		}
		return plural(h, "hour") + " and " + plural(m, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
