package handlers

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/safwanbuddy/buddy-core/internal/intent"
)

// Runner executes external programs. Run waits for completion; Start
// launches and returns immediately.
type Runner interface {
	Run(ctx context.Context, argv []string) (string, error)
	Start(argv []string) error
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("%s: %w: %s", argv[0], err, text)
		}
		return text, fmt.Errorf("%s: %w", argv[0], err)
	}
	return text, nil
}

func (ExecRunner) Start(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)(\?)?\}`)

// commandTemplate is a parsed command line with {param} placeholders.
// {param?} marks an optional value; an argument left empty by one is dropped.
type commandTemplate struct {
	raw  string
	argv []string
}

func parseTemplate(raw string) (commandTemplate, error) {
	argv, err := shellwords.Parse(raw)
	if err != nil {
		return commandTemplate{}, fmt.Errorf("parse command %q: %w", raw, err)
	}
	if len(argv) == 0 {
		return commandTemplate{}, fmt.Errorf("command template is empty")
	}
	return commandTemplate{raw: raw, argv: argv}, nil
}

// expand substitutes parameters per argument, so values never get split or
// reinterpreted by a shell.
func (c commandTemplate) expand(params map[string]any) ([]string, error) {
	out := make([]string, 0, len(c.argv))
	for _, arg := range c.argv {
		var (
			missing  string
			optional bool
		)
		expanded := placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
			sub := placeholderPattern.FindStringSubmatch(m)
			v := paramString(params, sub[1])
			if v == "" {
				if sub[2] == "" && missing == "" {
					missing = sub[1]
				}
				optional = optional || sub[2] != ""
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, missing)
		}
		if expanded == "" && optional {
			continue
		}
		out = append(out, expanded)
	}
	return out, nil
}

func paramString(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// commandHandler runs a configured template for one intent type.
type commandHandler struct {
	kind     intent.Type
	template commandTemplate
	runner   Runner
	detach   bool
}

func (h *commandHandler) Handle(ctx context.Context, in intent.Intent) (Reply, error) {
	argv, err := h.template.expand(in.Parameters)
	if err != nil {
		return Reply{}, err
	}
	result := map[string]any{"intent": string(h.kind), "command": argv}
	if h.detach {
		if err := h.runner.Start(argv); err != nil {
			return Reply{}, err
		}
		return Reply{Result: result, Speech: actionSpeech(in)}, nil
	}
	output, err := h.runner.Run(ctx, argv)
	if err != nil {
		return Reply{}, err
	}
	if output != "" {
		result["output"] = output
	}
	return Reply{Result: result, Speech: actionSpeech(in)}, nil
}

// notConfigured stands in for desktop actions with no command on this system.
func notConfigured(t intent.Type) Handler {
	return HandlerFunc(func(context.Context, intent.Intent) (Reply, error) {
		return Reply{}, fmt.Errorf("%w: %s", ErrNotConfigured, strings.ToLower(intent.Describe(t)))
	})
}

var windowSpeech = map[string]string{
	"minimize": "Window minimized",
	"maximize": "Window maximized",
	"close":    "Window closed",
	"restore":  "Window restored",
}

func actionSpeech(in intent.Intent) string {
	switch in.Type {
	case intent.OpenApplication:
		if app := in.Param("application"); app != "" {
			return "Opening " + app
		}
	case intent.VolumeControl:
		switch dir := in.Param("direction"); dir {
		case "set":
			return "Setting volume to " + paramString(in.Parameters, "level") + " percent"
		case "up", "down":
			return "Turning the volume " + dir
		case "mute":
			return "Muted"
		case "unmute":
			return "Unmuted"
		}
	case intent.Screenshot:
		return "Screenshot taken"
	case intent.TypeText:
		return "Typed it"
	case intent.WindowManagement:
		if done, ok := windowSpeech[strings.ToLower(in.Param("action"))]; ok {
			return done
		}
	case intent.SystemShutdown:
		if action := in.Param("action"); action != "" {
			return "Okay, " + strings.ToLower(action)
		}
	}
	return "Done"
}
