// Package cli is interactive admin console for hub API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/solarvalve/cmd/solarvalve/subcmd"
	helpers_cli "github.com/temoto/solarvalve/helpers/cli"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

const modName = "cli"

const DefaultURL = "http://127.0.0.1:8080"

var Mod = subcmd.Mod{
	Name:     modName,
	Short:    "admin console, argument or SOLARVALVE_URL is hub API address",
	Args:     cobra.MaximumNArgs(1),
	NoConfig: true,
	Main:     Main,
}

var suggests = []prompt.Suggest{
	{Text: "append", Description: "append <type> <value-json>, e.g. append deepsleep 45"},
	{Text: "list", Description: "pending commands"},
	{Text: "metrics", Description: "last known reading"},
	{Text: "data", Description: "data [minute|hour|day|week] history"},
	{Text: "help"},
}

func Main(ctx context.Context, env *subcmd.Env) error {
	base := os.Getenv("SOLARVALVE_URL")
	if len(env.Args) > 0 {
		base = env.Args[0]
	}
	if base == "" {
		base = DefaultURL
	}
	c := NewClient(base, nil)
	exec := NewExecutor(c, env.Out, env.Log)
	return helpers_cli.MainLoop(modName, exec, newCompleter(), func(os.Signal) { os.Exit(0) })
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

// NewExecutor returns line handler, errors are logged and never stop console.
func NewExecutor(c *Client, w io.Writer, log *log2.Log) func(string) {
	return func(line string) {
		if err := execLine(c, w, line); err != nil {
			log.Error(err)
		}
	}
}

func execLine(c *Client, w io.Writer, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "append":
		if len(parts) < 3 {
			return errors.NotValidf("usage: append <type> <value-json>")
		}
		cmd := tele.Command{Type: parts[1], Value: parseValue(strings.Join(parts[2:], " "))}
		n, err := c.Append(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "appended %s queue_length=%d\n", cmd.String(), n)

	case "list":
		cmds, err := c.List()
		if err != nil {
			return err
		}
		for i, cmd := range cmds {
			fmt.Fprintf(w, "%d %s\n", i+1, cmd.String())
		}
		fmt.Fprintf(w, "count=%d\n", len(cmds))

	case "metrics", "status":
		r, err := c.Metrics()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", r.String())

	case "data":
		timeframe := ""
		if len(parts) > 1 {
			timeframe = parts[1]
		}
		d, err := c.Data(timeframe)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "temperature=%d faucet_events=%d\n", len(d.Temperature), len(d.Faucet))
		for _, e := range d.Faucet {
			fmt.Fprintf(w, "faucet ts=%d closed=%t\n", e.TS, e.Closed)
		}

	case "help":
		for _, s := range suggests {
			fmt.Fprintf(w, "%s\t%s\n", s.Text, s.Description)
		}

	default:
		return errors.NotValidf("command=%s (try help)", parts[0])
	}
	return nil
}

// parseValue keeps valid JSON as is, anything else is string.
func parseValue(s string) interface{} {
	var v interface{}
	d := json.NewDecoder(strings.NewReader(s))
	d.UseNumber()
	if err := d.Decode(&v); err != nil || d.More() {
		return s
	}
	return v
}
