package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/tether/internal/config"
	"github.com/dohr-michael/tether/internal/engine"
	"github.com/dohr-michael/tether/internal/logging"
)

// loadConfig resolves the data root and loads its config file.
func loadConfig(cmd *cli.Command) (string, *config.Config, error) {
	root := cmd.String("root")
	path := cmd.String("config")
	if path == "" {
		path = config.ConfigPath(root)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	if cmd.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	return root, cfg, nil
}

// withEngine opens the engine for one command and closes it afterwards,
// draining the event journal.
func withEngine(ctx context.Context, cmd *cli.Command, fn func(*engine.Engine) error, opts ...engine.Option) error {
	root, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, logFile, err := logging.Setup(config.Layout{Root: root}.LogsDir(), cfg.Log.Level, cfg.Log.Quiet)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()

	e, err := engine.Open(ctx, cfg, root, opts...)
	if err != nil {
		return err
	}
	runErr := fn(e)
	if err := e.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// outputFormat picks --json/--yaml, else a table on a terminal and JSON
// when piped (hooks, scripts).
func outputFormat(cmd *cli.Command) string {
	switch {
	case cmd.Bool("json"):
		return formatJSON
	case cmd.Bool("yaml"):
		return formatYAML
	}
	if f, ok := stdout(cmd).(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return formatTable
	}
	return formatJSON
}

// render prints v as JSON or YAML, or calls table for human output.
func render(cmd *cli.Command, v any, table func(w *tabwriter.Writer)) error {
	w := stdout(cmd)
	switch outputFormat(cmd) {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(w, v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

// writeYAML goes through JSON so field names match the json tags.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// requireArg returns the first positional argument or a usage error.
func requireArg(cmd *cli.Command, name string) (string, error) {
	v := strings.TrimSpace(cmd.Args().First())
	if v == "" {
		return "", fmt.Errorf("missing <%s> argument (usage: %s %s)", name, cmd.Name, cmd.ArgsUsage)
	}
	return v, nil
}

// parseDeadline accepts RFC 3339 timestamps, dates and offsets such as
// "48h" relative to now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q: want RFC 3339, YYYY-MM-DD or a duration like 48h", s)
}

// parseUnit parses a factor value in [0, 1].
func parseUnit(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("--%s %q: want a number within [0, 1]", name, s)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	}
	return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
