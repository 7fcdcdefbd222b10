package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "buddyctl",
		Usage:   "Classify, send and inspect assistant commands",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Configuration file (defaults apply when empty)", EnvVars: []string{"BUDDY_CONFIG"}},
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Value: "http://127.0.0.1:8080", Usage: "Runtime HTTP address", EnvVars: []string{"BUDDY_SERVER"}},
		},
		Commands: []*cli.Command{
			classifyCmd(),
			evalCmd(),
			validateCmd(),
			sendCmd(),
			historyCmd(),
			watchCmd(),
			versionCmd(),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// classifyCmd runs the intent classifier locally.
func classifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify text without a running runtime",
		ArgsUsage: "<text...>",
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return outputError(fmt.Errorf("text is required"))
			}
			classifier, err := loadClassifier(c)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, classifier.Classify(text))
		},
	}
}

// evalCmd measures classifier accuracy over labelled samples.
func evalCmd() *cli.Command {
	return &cli.Command{
		Name:  "eval",
		Usage: "Report classifier accuracy over labelled samples",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "samples", Usage: "YAML list of {text, expected}; the built-in smoke set when empty"},
			&cli.Float64Flag{Name: "min", Usage: "Fail when accuracy is below this fraction"},
		},
		Action: func(c *cli.Context) error {
			classifier, err := loadClassifier(c)
			if err != nil {
				return outputError(err)
			}
			samples := intent.DefaultSamples()
			if path := c.String("samples"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return outputError(fmt.Errorf("read samples: %w", err))
				}
				samples = nil
				if err := yaml.Unmarshal(data, &samples); err != nil {
					return outputError(fmt.Errorf("parse samples: %w", err))
				}
			}
			acc := classifier.Evaluate(samples)
			if err := outputJSON(c, acc); err != nil {
				return err
			}
			if acc.Accuracy < c.Float64("min") {
				return cli.Exit(fmt.Sprintf("accuracy %.2f below %.2f", acc.Accuracy, c.Float64("min")), 1)
			}
			return nil
		},
	}
}

// validateCmd checks a configuration file and the intents table it names.
func validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a configuration file",
		ArgsUsage: "[path]",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if c.NArg() > 0 {
				path = c.Args().First()
			}
			if path == "" {
				return outputError(fmt.Errorf("configuration path is required"))
			}
			cfg, err := config.Load(path)
			if err != nil {
				return outputError(err)
			}
			if _, err := intent.FromConfig(cfg.Classifier); err != nil {
				return outputError(err)
			}
			fmt.Fprintf(c.App.Writer, "%s: valid\n", path)
			return nil
		},
	}
}

// sendCmd submits a command to a running runtime over HTTP or NATS.
func sendCmd() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a text command to a running runtime",
		ArgsUsage: "<text...>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats", Usage: "Submit over NATS at this URL instead of HTTP"},
			&cli.StringFlag{Name: "source", Value: protocol.SourceText, Usage: "Command source recorded in history"},
			&cli.DurationFlag{Name: "timeout", Value: 35 * time.Second, Usage: "How long to wait for the reply"},
		},
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return outputError(fmt.Errorf("text is required"))
			}
			req := protocol.CommandRequest{Text: text, Source: c.String("source")}

			var (
				reply protocol.CommandReply
				err   error
			)
			if addr := c.String("nats"); addr != "" {
				reply, err = sendNATS(addr, req, c.Duration("timeout"))
			} else {
				reply, err = sendHTTP(c.Context, c.String("server"), req, c.Duration("timeout"))
			}
			if err != nil {
				return outputError(err)
			}
			if err := outputJSON(c, reply); err != nil {
				return err
			}
			if reply.Status != "completed" {
				return cli.Exit(fmt.Sprintf("command %s", reply.Status), 1)
			}
			return nil
		},
	}
}

func sendNATS(addr string, req protocol.CommandRequest, timeout time.Duration) (protocol.CommandReply, error) {
	var reply protocol.CommandReply
	nc, err := nats.Connect(addr, nats.Name("buddyctl"), nats.Timeout(timeout))
	if err != nil {
		return reply, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer nc.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	msg, err := nc.Request(protocol.SubjectCommandSubmit, data, timeout)
	if err != nil {
		return reply, fmt.Errorf("submit command: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func sendHTTP(ctx context.Context, server string, req protocol.CommandRequest, timeout time.Duration) (protocol.CommandReply, error) {
	var reply protocol.CommandReply
	data, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/command", bytes.NewReader(data))
	if err != nil {
		return reply, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	err = doJSON(&http.Client{Timeout: timeout}, httpReq, &reply)
	return reply, err
}

// historyCmd prints the most recent commands.
func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent commands from a running runtime",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Number of commands"},
		},
		Action: func(c *cli.Context) error {
			endpoint := strings.TrimRight(c.String("server"), "/") + "/history?limit=" + strconv.Itoa(c.Int("limit"))
			req, err := http.NewRequestWithContext(c.Context, http.MethodGet, endpoint, nil)
			if err != nil {
				return outputError(err)
			}
			var entries []json.RawMessage
			if err := doJSON(&http.Client{Timeout: 10 * time.Second}, req, &entries); err != nil {
				return outputError(err)
			}
			return outputJSON(c, entries)
		},
	}
}

// watchCmd follows the runtime's live event stream.
func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print live bus events, one JSON object per line",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "event", Aliases: []string{"e"}, Usage: "Only print these event names"},
		},
		Action: func(c *cli.Context) error {
			u, err := streamURL(c.String("server"))
			if err != nil {
				return outputError(err)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(c.Context, u, nil)
			if err != nil {
				return outputError(fmt.Errorf("connect %s: %w", u, err))
			}
			defer conn.Close()

			stop := context.AfterFunc(c.Context, func() { _ = conn.Close() })
			defer stop()

			only := make(map[string]bool)
			for _, name := range c.StringSlice("event") {
				only[name] = true
			}
			enc := json.NewEncoder(c.App.Writer)
			for {
				var env protocol.EventEnvelope
				if err := conn.ReadJSON(&env); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.Context.Err() != nil {
						return nil
					}
					return outputError(err)
				}
				if len(only) > 0 && !only[env.Name] {
					continue
				}
				if err := enc.Encode(env); err != nil {
					return err
				}
			}
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version)
			return nil
		},
	}
}

func loadClassifier(c *cli.Context) (*intent.Classifier, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return intent.FromConfig(cfg.Classifier)
}

func streamURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// doJSON sends req and decodes a JSON body into v, surfacing the runtime's
// {"error": ...} body on non-2xx responses.
func doJSON(client *http.Client, req *http.Request, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the CLI.
func outputError(err error) error {
	return cli.Exit(err.Error(), 1)
}
