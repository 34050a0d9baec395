package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/temoto/solarvalve/cmd/solarvalve/cli"
	"github.com/temoto/solarvalve/cmd/solarvalve/nodestate"
	"github.com/temoto/solarvalve/cmd/solarvalve/sim"
	"github.com/temoto/solarvalve/cmd/solarvalve/subcmd"
	"github.com/temoto/solarvalve/internal/state"
	"github.com/temoto/solarvalve/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

const defaultConfig = "solarvalve.hcl"

var versionMod = subcmd.Mod{
	Name:     "version",
	Short:    "print build version",
	NoConfig: true,
	Main: func(ctx context.Context, env *subcmd.Env) error {
		_, err := fmt.Fprintf(env.Out, "solarvalve %s\n", BuildVersion)
		return err
	},
}

var modules = []subcmd.Mod{
	sim.Mod,
	cli.Mod,
	nodestate.Mod,
	versionMod,
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	root, err := newRoot(modules, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func newRoot(mods []subcmd.Mod, log *log2.Log) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "solarvalve",
		Short:         "solar water heater valve node and hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	configDefault := os.Getenv("SOLARVALVE_CONFIG")
	if configDefault == "" {
		configDefault = defaultConfig
	}
	configPath := root.PersistentFlags().StringP("config", "c", configDefault, "config file, env SOLARVALVE_CONFIG")
	debug := root.PersistentFlags().Bool("debug", false, "debug log level")
	load := func() (*state.Config, error) {
		if *debug {
			log.SetLevel(log2.LDebug)
		}
		fs, err := state.NewOsFullReader(".")
		if err != nil {
			return nil, err
		}
		return state.ReadConfig(log, fs, *configPath)
	}
	seen := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		if _, ok := seen[m.Name]; ok {
			return nil, errors.Errorf("code error duplicate command=%s", m.Name)
		}
		seen[m.Name] = struct{}{}
		root.AddCommand(subcmd.Command(m, load, log))
	}
	return root, nil
}
