package node

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

type CommandState int

const (
	CommandIdle CommandState = iota
	CommandScanning
	CommandFound
	CommandScanExhausted
	CommandConnecting
	CommandServiceDiscovery
	CommandDraining
	CommandDone
	CommandAborted
)

var commandStateNames = []string{"idle", "scanning", "found", "scan_exhausted", "connecting", "service_discovery", "draining", "done", "aborted"}

func (s CommandState) String() string {
	if s >= 0 && int(s) < len(commandStateNames) {
		return commandStateNames[s]
	}
	return fmt.Sprintf("CommandState(%d)", int(s))
}

const DefaultDrainLimit = 256

// Zero fields mean defaults of node.Config.
type CommandConfig struct {
	HubName        string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// Safety bound of reads in one drain, <=0 means DefaultDrainLimit.
	DrainLimit int
}

// CommandSession connects outward to hub and drains its command queue until end marker.
type CommandSession struct {
	config  CommandConfig
	log     *log2.Log
	radio   radio.Central
	state   CommandState
	history []CommandState
}

func NewCommandSession(c radio.Central, config CommandConfig, log *log2.Log) *CommandSession {
	if config.HubName == "" {
		config.HubName = radio.HubName
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = DefaultScanTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.DrainLimit <= 0 {
		config.DrainLimit = DefaultDrainLimit
	}
	return &CommandSession{
		config:  config,
		log:     log,
		radio:   c,
		history: []CommandState{CommandIdle},
	}
}

func (self *CommandSession) State() CommandState     { return self.state }
func (self *CommandSession) History() []CommandState { return self.history }

func (self *CommandSession) set(s CommandState) {
	self.log.Debugf("command state=%s", s)
	self.state = s
	self.history = append(self.history, s)
}

// Drain forwards commands to handle synchronously in queue order and returns them.
// Scan exhausted is normal outcome: empty list, nil error.
// Aborted returns error together with commands already forwarded, those are not rolled back.
func (self *CommandSession) Drain(ctx context.Context, handle func(tele.Command)) ([]tele.Command, CommandState, error) {
	if self.state != CommandIdle {
		return nil, self.state, errors.Errorf("code error command session reused state=%s", self.state)
	}
	self.set(CommandScanning)
	scanCtx, scanCancel := context.WithTimeout(ctx, self.config.ScanTimeout)
	device, err := self.radio.Scan(scanCtx, radio.MatchName(self.config.HubName))
	scanCancel()
	if err != nil {
		if radio.IsNotFound(err) {
			self.set(CommandScanExhausted)
			return nil, self.state, nil
		}
		return self.abort(nil, errors.Annotate(err, "command scan"))
	}
	self.set(CommandFound)
	self.log.Debugf("command hub found address=%s", device.Address)

	self.set(CommandConnecting)
	connCtx, connCancel := context.WithTimeout(ctx, self.config.ConnectTimeout)
	conn, err := self.radio.Connect(connCtx, device)
	connCancel()
	if err != nil {
		return self.abort(nil, errors.Annotate(err, "command connect"))
	}
	defer conn.Close()

	self.set(CommandServiceDiscovery)
	ch, err := conn.Characteristic(ctx, radio.CommandService, radio.CommandChar)
	if err != nil {
		return self.abort(nil, errors.Annotate(err, "command service discovery"))
	}

	self.set(CommandDraining)
	cmds := []tele.Command{}
	for i := 0; ; i++ {
		if i >= self.config.DrainLimit {
			return self.abort(cmds, errors.Errorf("command drain limit=%d reached without end marker", self.config.DrainLimit))
		}
		b, err := ch.Read(ctx)
		if err != nil {
			return self.abort(cmds, errors.Annotatef(err, "command read n=%d", i))
		}
		cmd, err := tele.ParseCommand(b)
		if err != nil {
			self.log.Errorf("command drop payload=%q err=%v", b, err)
			continue
		}
		if cmd.IsEOF() {
			break
		}
		self.log.Debugf("command received %s", cmd.String())
		if handle != nil {
			handle(cmd)
		}
		cmds = append(cmds, cmd)
	}
	if err = conn.Close(); err != nil {
		self.log.Errorf("command close err=%v", err)
	}
	self.set(CommandDone)
	return cmds, self.state, nil
}

func (self *CommandSession) abort(cmds []tele.Command, err error) ([]tele.Command, CommandState, error) {
	self.set(CommandAborted)
	return cmds, self.state, err
}
