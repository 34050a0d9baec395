// Package hub is the always-on side: it pulls telemetry from the node,
// serves queued commands back and keeps last known reading.
//
// Three loops run independently: discovery, command serving and admin API
// (package api). Failure of one iteration never stops the others.
package hub

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

const (
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultNotFoundDelay    = 2 * time.Second
	DefaultErrorDelay       = 10 * time.Second
	DefaultReadInterval     = 20 * time.Second
	DefaultServeErrorDelay  = 3 * time.Second
)

type DiscoveryConfig struct {
	Timeout       time.Duration
	NotFoundDelay time.Duration
	ErrorDelay    time.Duration
	ReadInterval  time.Duration
}

type Config struct {
	// Name is advertised while serving commands.
	Name            string
	// TargetName is node name accepted by discovery, telemetry service is accepted too.
	TargetName      string
	Discovery       DiscoveryConfig
	ServeErrorDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = radio.HubName
	}
	if c.TargetName == "" {
		c.TargetName = radio.NodeName
	}
	d := &c.Discovery
	if d.Timeout <= 0 {
		d.Timeout = DefaultDiscoveryTimeout
	}
	if d.NotFoundDelay <= 0 {
		d.NotFoundDelay = DefaultNotFoundDelay
	}
	if d.ErrorDelay <= 0 {
		d.ErrorDelay = DefaultErrorDelay
	}
	if d.ReadInterval <= 0 {
		d.ReadInterval = DefaultReadInterval
	}
	if c.ServeErrorDelay <= 0 {
		c.ServeErrorDelay = DefaultServeErrorDelay
	}
}

// Recorder receives every accepted reading, implemented by history.
type Recorder interface {
	Record(ts int64, r tele.Reading) error
	RecordFaucet(ts int64, closed bool) error
}

type Hub struct {
	config Config
	log    *log2.Log
	radio  radio.Radio
	queue  *CommandQueue
	cache  *TelemetryCache
	stat   *Stat
	rec    Recorder
	alive  *alive.Alive
	now    func() time.Time
}

func New(config Config, r radio.Radio, queue *CommandQueue, rec Recorder, log *log2.Log) *Hub {
	config.setDefaults()
	h := &Hub{
		config: config,
		log:    log,
		radio:  r,
		queue:  queue,
		cache:  NewTelemetryCache(),
		stat:   NewStat(),
		rec:    rec,
		alive:  alive.NewAlive(),
		now:    time.Now,
	}
	h.stat.QueueLength.Set(float64(queue.Len()))
	return h
}

func (h *Hub) Queue() *CommandQueue      { return h.queue }
func (h *Hub) Cache() *TelemetryCache    { return h.cache }
func (h *Hub) Stat() *Stat               { return h.stat }
func (h *Hub) Alive() *alive.Alive       { return h.alive }
func (h *Hub) Config() Config            { return h.config }
func (h *Hub) StopChan() <-chan struct{} { return h.alive.StopChan() }

// Append is admin entry point, keeps stats in sync with queue.
func (h *Hub) Append(cmd tele.Command) (int, error) {
	n, err := h.queue.Append(cmd)
	if err != nil {
		return n, err
	}
	h.stat.CommandsAppended.Inc()
	h.stat.QueueLength.Set(float64(n))
	h.log.Infof("command appended %s queue_length=%d", cmd.String(), n)
	return n, nil
}

// Run starts discovery and command serving loops and blocks until Stop or ctx done.
func (h *Hub) Run(ctx context.Context) error {
	if !h.alive.Add(2) {
		return errors.Errorf("hub already stopped")
	}
	ctx, cancel := helpers.AliveContext(ctx, h.alive)
	defer cancel()
	go func() {
		defer h.alive.Done()
		h.discoveryLoop(ctx)
	}()
	go func() {
		defer h.alive.Done()
		h.serveLoop(ctx)
	}()
	select {
	case <-ctx.Done():
		h.alive.Stop()
	case <-h.alive.StopChan():
	}
	h.alive.Wait()
	return nil
}

func (h *Hub) Stop() { h.alive.Stop() }
