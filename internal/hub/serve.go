package hub

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

// serveLoop advertises command endpoint only while queue is non-empty,
// one drain session at a time.
func (h *Hub) serveLoop(ctx context.Context) {
	for {
		if h.queue.Len() == 0 {
			select {
			case <-h.queue.Ready():
				continue
			case <-ctx.Done():
				return
			}
		}
		err := h.ServeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.stat.DrainSessions.WithLabelValues(resultError).Inc()
			h.log.Errorf("serve %v", err)
			if helpers.SleepContext(ctx, h.config.ServeErrorDelay) != nil {
				return
			}
			continue
		}
		h.stat.DrainSessions.WithLabelValues(resultOK).Inc()
	}
}

// ServeOnce runs one drain session: advertise, wait for node, pop one command
// per read, end when node disconnects.
func (h *Hub) ServeOnce(ctx context.Context) error {
	sid := uuid.New().String()[:8]
	log := h.log.Prefixed("serve=" + sid + " ")
	log.Debugf("advertise queue_length=%d", h.queue.Len())
	served := 0
	conn, err := h.radio.Advertise(ctx, radio.Advertisement{
		Name:    h.config.Name,
		Service: radio.CommandService,
		Char:    radio.CommandChar,
		OnRead: func() ([]byte, error) {
			cmd, err := h.queue.PopFront()
			if err != nil {
				log.Errorf("pop err=%v", err)
				return nil, err
			}
			if !cmd.IsEOF() {
				served++
				h.stat.CommandsServed.Inc()
				log.Infof("command served %s", cmd.String())
			}
			h.stat.QueueLength.Set(float64(h.queue.Len()))
			return tele.MarshalCommand(cmd)
		},
	})
	if err != nil {
		return errors.Annotate(err, "advertise")
	}
	log.Debugf("node connected")
	select {
	case <-conn.Disconnected():
	case <-ctx.Done():
	}
	_ = conn.Close()
	log.Infof("session end served=%d queue_length=%d", served, h.queue.Len())
	return nil
}
