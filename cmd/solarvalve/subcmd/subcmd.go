// Support sub-commands in solarvalve application.
// Mod is plain data, cobra wiring lives in Command.
package subcmd

import (
	"context"
	"io"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/temoto/solarvalve/internal/state"
	"github.com/temoto/solarvalve/log2"
)

type Mod struct {
	Name     string
	Short    string
	Args     cobra.PositionalArgs
	// NoConfig runs Main with empty Config, no config file required.
	NoConfig bool
	Main     func(ctx context.Context, env *Env) error
}

type Env struct {
	Config *state.Config
	Log    *log2.Log
	Out    io.Writer
	Args   []string
}

// Command adapts Mod to cobra. load is called only when Mod needs config.
func Command(m Mod, load func() (*state.Config, error), log *log2.Log) *cobra.Command {
	if m.Name == "" || m.Main == nil {
		panic("code error subcmd.Mod without Name or Main")
	}
	return &cobra.Command{
		Use:   m.Name,
		Short: m.Short,
		Args:  m.Args,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := &state.Config{}
			if !m.NoConfig {
				var err error
				if config, err = load(); err != nil {
					return errors.Annotate(err, "config")
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = log2.ContextWithLogger(ctx, log)
			return m.Main(ctx, &Env{
				Config: config,
				Log:    log,
				Out:    cmd.OutOrStdout(),
				Args:   args,
			})
		},
	}
}

// SdNotify returns true when running under systemd.
func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Errorf("sdnotify: %s", errors.ErrorStack(err))
	}
	return ok
}
