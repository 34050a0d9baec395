// Package node is the sensor/valve side: one wake cycle reads probes,
// drives the valve, publishes telemetry and drains hub commands.
//
// Nothing in memory survives between cycles: every cycle is built
// from durable state, like after deep sleep.
package node

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/internal/probe"
	"github.com/temoto/solarvalve/internal/valve"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

const (
	DefaultThreshold      = 0.5
	DefaultPublishTimeout = 60 * time.Second
	DefaultScanTimeout    = 2 * time.Second
	DefaultConnectTimeout = 5 * time.Second

	ThresholdMin = -50
	ThresholdMax = 50
)

type Config struct {
	Name           string
	HubName        string
	Threshold      float64
	PublishTimeout time.Duration
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	DrainLimit     int
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = radio.NodeName
	}
	if c.HubName == "" {
		c.HubName = radio.HubName
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Hardware survives power loss, unlike Node.
type Hardware struct {
	Radio radio.Radio
	Valve valve.Actuator
	Solar probe.Probe
	Tank  probe.Probe
	Now   func() time.Time
}

type Node struct {
	config Config
	hw     Hardware
	log    *log2.Log
	store  *persist.Store
	valve  *valve.Controller
	id     string
}

type CycleResult struct {
	ID        string
	Reading   tele.Reading
	Telemetry TelemetryState
	Command   CommandState
	Commands  []tele.Command
	// Sleep is last successfully persisted deepsleep_duration.
	Sleep time.Duration
}

// New is node process start: state is loaded (defaults written if absent),
// valve controller takes recorded position without toggling actuator.
// Returned error is persistence failure, Node is usable anyway.
func New(config Config, hw Hardware, store *persist.Store, log *log2.Log) (*Node, error) {
	config.setDefaults()
	if hw.Now == nil {
		hw.Now = time.Now
	}
	id := uuid.New().String()[:8]
	log = log.Prefixed("cycle=" + id + " ")
	_, err := store.Load()
	if err != nil {
		err = errors.Annotatef(valve.ErrPersist, "state load err=%v", err)
		log.Errorf("CRITICAL %v", err)
	}
	n := &Node{
		config: config,
		hw:     hw,
		log:    log,
		store:  store,
		id:     id,
	}
	n.valve = valve.NewController(hw.Valve, store, log)
	return n, err
}

func (self *Node) ID() string               { return self.id }
func (self *Node) Valve() *valve.Controller { return self.valve }
func (self *Node) State() persist.State     { return self.store.Current() }

func (self *Node) threshold() float64 {
	if t := self.store.Current().Threshold; t != nil {
		return *t
	}
	return self.config.Threshold
}

// Cycle runs one wake cycle. Sessions run sequentially, they share one radio.
// Only actuation and persistence failures are returned,
// session failures are logged and contained.
// Result.Sleep is valid even with error.
func (self *Node) Cycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{ID: self.id}
	errs := make([]error, 0, 4)

	solar := probe.ReadOptional(ctx, self.hw.Solar, "solar", self.log)
	tank := probe.ReadOptional(ctx, self.hw.Tank, "tank", self.log)
	if open, ok := valve.Decide(solar, tank, self.threshold()); ok {
		if _, err := self.valve.Apply(open); err != nil {
			self.log.Errorf("CRITICAL %v", err)
			errs = append(errs, err)
		}
	} else {
		self.log.Infof("temperature unknown, valve holds open=%t", self.valve.Open())
	}

	result.Reading = tele.Reading{
		Solar:        solar,
		Tank:         tank,
		FaucetClosed: !self.valve.Open(),
		Timestamp:    self.hw.Now().Unix(),
	}
	self.log.Infof("reading %s", result.Reading.String())

	pubCtx, pubCancel := context.WithTimeout(ctx, self.config.PublishTimeout)
	ts := NewTelemetrySession(self.hw.Radio, self.config.Name, self.log)
	state, err := ts.Publish(pubCtx, result.Reading)
	pubCancel()
	result.Telemetry = state
	if err != nil {
		self.log.Errorf("telemetry state=%s err=%v", state, err)
	} else {
		self.log.Debugf("telemetry state=%s", state)
	}

	cs := NewCommandSession(self.hw.Radio, CommandConfig{
		HubName:        self.config.HubName,
		ScanTimeout:    self.config.ScanTimeout,
		ConnectTimeout: self.config.ConnectTimeout,
		DrainLimit:     self.config.DrainLimit,
	}, self.log)
	cmds, cstate, err := cs.Drain(ctx, func(cmd tele.Command) {
		if err := self.handleCommand(cmd); err != nil {
			errs = append(errs, err)
		}
	})
	result.Command = cstate
	result.Commands = cmds
	if err != nil {
		self.log.Errorf("command state=%s forwarded=%d err=%v", cstate, len(cmds), err)
	} else {
		self.log.Debugf("command state=%s forwarded=%d", cstate, len(cmds))
	}

	result.Sleep = time.Duration(self.store.Current().DeepsleepDuration) * time.Second
	return result, helpers.FoldErrors(errs)
}
