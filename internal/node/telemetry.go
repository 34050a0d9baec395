package node

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

type TelemetryState int

const (
	TelemetryIdle TelemetryState = iota
	TelemetryAdvertising
	TelemetryConnected
	TelemetryPublishing
	TelemetryAwaitingAck
	TelemetryAcknowledged
	TelemetryTimedOut
	TelemetryFailed
)

var telemetryStateNames = []string{"idle", "advertising", "connected", "publishing", "awaiting_ack", "acknowledged", "timed_out", "failed"}

func (s TelemetryState) String() string {
	if s >= 0 && int(s) < len(telemetryStateNames) {
		return telemetryStateNames[s]
	}
	return fmt.Sprintf("TelemetryState(%d)", int(s))
}

// TelemetrySession publishes one reading per wake cycle.
// Peer disconnect after successful write is the only acknowledgement.
type TelemetrySession struct {
	log     *log2.Log
	radio   radio.Peripheral
	name    string
	state   TelemetryState
	history []TelemetryState
}

func NewTelemetrySession(p radio.Peripheral, name string, log *log2.Log) *TelemetrySession {
	return &TelemetrySession{
		log:     log,
		radio:   p,
		name:    name,
		history: []TelemetryState{TelemetryIdle},
	}
}

func (self *TelemetrySession) State() TelemetryState { return self.state }

// History lists visited states, starting with idle.
func (self *TelemetrySession) History() []TelemetryState { return self.history }

func (self *TelemetrySession) set(s TelemetryState) {
	self.log.Debugf("telemetry state=%s", s)
	self.state = s
	self.history = append(self.history, s)
}

// Publish returns when hub consumed reading (acknowledged) or ctx is done (timed out).
// Error is returned only with TelemetryFailed: encode or transport failure.
// Timeout is normal outcome, next chance is next wake cycle.
func (self *TelemetrySession) Publish(ctx context.Context, r tele.Reading) (TelemetryState, error) {
	if self.state != TelemetryIdle {
		return self.state, errors.Errorf("code error telemetry session reused state=%s", self.state)
	}
	b, err := tele.MarshalReading(r)
	if err != nil {
		self.set(TelemetryFailed)
		return self.state, errors.Annotate(err, "telemetry")
	}

	self.set(TelemetryAdvertising)
	conn, err := self.radio.Advertise(ctx, radio.Advertisement{
		Name:    self.name,
		Service: radio.TelemetryService,
		Char:    radio.TelemetryChar,
	})
	if err != nil {
		if ctx.Err() != nil {
			self.set(TelemetryTimedOut)
			return self.state, nil
		}
		self.set(TelemetryFailed)
		return self.state, errors.Annotate(err, "telemetry advertise")
	}
	defer conn.Close()
	self.set(TelemetryConnected)

	self.set(TelemetryPublishing)
	if err = conn.Write(b); err != nil {
		self.set(TelemetryFailed)
		return self.state, errors.Annotate(err, "telemetry write")
	}

	self.set(TelemetryAwaitingAck)
	select {
	case <-conn.Disconnected():
		self.set(TelemetryAcknowledged)
	case <-ctx.Done():
		self.set(TelemetryTimedOut)
	}
	return self.state, nil
}
