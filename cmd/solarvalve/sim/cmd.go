// Package sim runs hub and node in one process over loopback radio.
// Node hardware is real when configured (gpio valve, w1 probes), static otherwise.
package sim

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/solarvalve/cmd/solarvalve/subcmd"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/internal/hub"
	"github.com/temoto/solarvalve/internal/hub/api"
	"github.com/temoto/solarvalve/internal/hub/history"
	"github.com/temoto/solarvalve/internal/node"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/internal/probe"
	"github.com/temoto/solarvalve/internal/state"
	"github.com/temoto/solarvalve/internal/valve"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio/loopback"
)

const modName = "sim"

var Mod = subcmd.Mod{
	Name:  modName,
	Short: "run hub, admin API and node wake cycles in one process",
	Main:  Main,
}

func Main(ctx context.Context, env *subcmd.Env) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	config, log := env.Config, env.Log
	if config.Node.LogDebug || config.Hub.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	if err := os.MkdirAll(config.PersistRoot(), 0755); err != nil {
		return errors.Annotate(err, "persist root")
	}

	air := loopback.NewAir()
	h, closeHub, err := startHub(ctx, config, air, log)
	if err != nil {
		return err
	}
	defer closeHub()

	hw, closeHW, err := openHardware(config, air, log)
	if err != nil {
		return err
	}
	defer closeHW()

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("sim running listen=%s persist=%s", config.HubListen(), config.PersistRoot())
	return RunCycles(ctx, config, hw, h.StopChan(), log)
}

// RunCycles builds fresh Node from durable state for every wake cycle,
// like after deep sleep, and sleeps deepsleep_duration between cycles.
func RunCycles(ctx context.Context, config *state.Config, hw node.Hardware, hubStopped <-chan struct{}, log *log2.Log) error {
	nodeLog := log.Prefixed("node: ")
	for i := 1; config.Sim.Cycles <= 0 || i <= config.Sim.Cycles; i++ {
		store, err := persist.New(config.NodeStatePath(), nodeLog)
		if err != nil {
			return errors.Annotate(err, "node state")
		}
		n, err := node.New(config.NodeConfig(), hw, store, nodeLog)
		if err != nil {
			log.Errorf("CRITICAL cycle=%s boot err=%v", n.ID(), err)
		}
		result, err := n.Cycle(ctx)
		if err != nil {
			log.Errorf("CRITICAL cycle=%s err=%v", result.ID, err)
		}
		log.Infof("cycle=%s n=%d telemetry=%s command=%s commands=%d sleep=%v",
			result.ID, i, result.Telemetry, result.Command, len(result.Commands), result.Sleep)
		if config.Sim.Cycles > 0 && i == config.Sim.Cycles {
			break
		}
		select {
		case <-hubStopped:
			return errors.Errorf("hub stopped")
		default:
		}
		if err = helpers.SleepContext(ctx, result.Sleep); err != nil {
			break
		}
	}
	return nil
}

func startHub(ctx context.Context, config *state.Config, air *loopback.Air, log *log2.Log) (*hub.Hub, func(), error) {
	hubLog := log.Prefixed("hub: ")
	queue, err := hub.OpenCommandQueue(config.QueuePath(), hubLog)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{queue.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Errorf("close err=%v", err)
			}
		}
	}

	var rec hub.Recorder
	var hist api.Historian
	if config.Hub.History.Enabled {
		store, err := history.OpenSQLStore(config.HistoryDBPath(), config.HistoryRetention())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks := []history.Sink{store}
		hist = store
		if mc, ok := config.MQTTConfig(); ok {
			if m, err := history.DialMQTT(mc, log.Prefixed("mqtt: ")); err != nil {
				log.Errorf("history mqtt disabled err=%v", err)
			} else {
				sinks = append(sinks, m)
			}
		}
		r, err := history.NewRecorder(config.HistoryQueuePath(), log.Prefixed("history: "), sinks...)
		if err != nil {
			for _, s := range sinks {
				if c, ok := s.(interface{ Close() error }); ok {
					_ = c.Close()
				}
			}
			closeAll()
			return nil, nil, err
		}
		r.Run()
		closers = append(closers, r.Close)
		rec = r
	}

	h := hub.New(config.HubConfig(), air.Radio("hub"), queue, rec, hubLog)
	server := api.New(api.Config{PublicURL: config.Hub.PublicURL}, h, hist, log.Prefixed("api: "))
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		if err := h.Run(ctx); err != nil {
			log.Errorf("hub err=%v", err)
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		if err := server.ListenAndServe(ctx, config.HubListen()); err != nil {
			log.Errorf("CRITICAL %v", err)
			h.Stop()
		}
	}()
	return h, func() {
		cancel()
		h.Stop()
		<-done
		<-done
		closeAll()
	}, nil
}

func openHardware(config *state.Config, air *loopback.Air, log *log2.Log) (node.Hardware, func(), error) {
	hw := node.Hardware{
		Radio: air.Radio("node"),
		Solar: probe.Static{Value: config.Sim.Solar},
		Tank:  probe.Static{Value: config.Sim.Tank},
	}
	if id := config.Node.Probe.Solar; id != "" {
		hw.Solar = probe.W1{Root: config.Node.Probe.W1Root, ID: id}
	}
	if id := config.Node.Probe.Tank; id != "" {
		hw.Tank = probe.W1{Root: config.Node.Probe.W1Root, ID: id}
	}

	// hardware position after power loss is restored from durable state
	store, err := persist.New(config.NodeStatePath(), log)
	if err != nil {
		return hw, nil, errors.Annotate(err, "node state")
	}
	st, err := store.Load()
	if err != nil {
		log.Errorf("node state load err=%v", err)
	}

	chipName := config.Node.Valve.GpioChip
	if chipName == "" {
		hw.Valve = valve.NewMemory(st.ValveOpen)
		return hw, func() {}, nil
	}
	chip, err := gpio.Open(chipName, "solarvalve")
	if err != nil {
		return hw, nil, errors.Annotatef(err, "gpio chip=%s", chipName)
	}
	g, err := valve.OpenGPIO(chip, uint32(config.Node.Valve.Line), st.ValveOpen)
	if err != nil {
		chip.Close()
		return hw, nil, err
	}
	hw.Valve = g
	log.Infof("valve gpio chip=%s line=%d restored open=%t", chipName, config.Node.Valve.Line, st.ValveOpen)
	return hw, func() {
		_ = g.Close()
		_ = chip.Close()
	}, nil
}
