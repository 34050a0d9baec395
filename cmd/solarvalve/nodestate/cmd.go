// Package nodestate inspects node durable state without running a cycle.
package nodestate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/solarvalve/cmd/solarvalve/subcmd"
	"github.com/temoto/solarvalve/internal/persist"
)

const modName = "state"

var Mod = subcmd.Mod{
	Name:  modName,
	Short: "show|reset node persisted state",
	Args:  cobra.ExactArgs(1),
	Main:  Main,
}

func Main(ctx context.Context, env *subcmd.Env) error {
	store, err := persist.New(env.Config.NodeStatePath(), env.Log)
	if err != nil {
		return err
	}
	return Run(store, env.Args[0], env.Out)
}

func Run(store *persist.Store, action string, w io.Writer) error {
	switch action {
	case "show":
		st, err := store.Load()
		if err != nil {
			return errors.Annotate(err, "state load")
		}
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return errors.Annotate(err, "state encode")
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err

	case "reset":
		if err := store.Reset(); err != nil {
			return errors.Annotate(err, "state reset")
		}
		_, err := fmt.Fprintf(w, "state reset to defaults valve_open=false deepsleep_duration=%d\n", persist.DefaultDeepsleep)
		return err
	}
	return errors.NotValidf("state action=%s (expected show|reset)", action)
}
