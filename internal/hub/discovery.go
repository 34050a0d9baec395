package hub

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/tele"
)

// discoveryLoop retries forever with fixed delays:
// short after device not found, long after transport/decode error.
func (h *Hub) discoveryLoop(ctx context.Context) {
	log := h.log.Prefixed("discovery: ")
	for {
		delay := h.config.Discovery.ReadInterval
		r, err := h.DiscoverOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			h.stat.Discovery.WithLabelValues(resultOK).Inc()
			h.accept(r)
		case radio.IsNotFound(err):
			h.stat.Discovery.WithLabelValues(resultNotFound).Inc()
			log.Debugf("node not found")
			delay = h.config.Discovery.NotFoundDelay
		case tele.IsDecode(err):
			h.stat.Discovery.WithLabelValues(resultDecode).Inc()
			log.Errorf("%v", err)
			delay = h.config.Discovery.ErrorDelay
		default:
			h.stat.Discovery.WithLabelValues(resultError).Inc()
			log.Errorf("%v", err)
			delay = h.config.Discovery.ErrorDelay
		}
		if helpers.SleepContext(ctx, delay) != nil {
			return
		}
	}
}

// DiscoverOnce scans for node, reads telemetry characteristic and disconnects.
// The disconnect is node's acknowledgement.
func (h *Hub) DiscoverOnce(ctx context.Context) (tele.Reading, error) {
	scanCtx, cancel := context.WithTimeout(ctx, h.config.Discovery.Timeout)
	defer cancel()
	d, err := h.radio.Scan(scanCtx, radio.MatchNameOrService(h.config.TargetName, radio.TelemetryService))
	if err != nil {
		return tele.Reading{}, errors.Annotate(err, "scan")
	}
	conn, err := h.radio.Connect(scanCtx, d)
	if err != nil {
		return tele.Reading{}, errors.Annotatef(err, "connect address=%s", d.Address)
	}
	ch, err := conn.Characteristic(scanCtx, radio.TelemetryService, radio.TelemetryChar)
	if err != nil {
		_ = conn.Close()
		return tele.Reading{}, errors.Annotatef(err, "address=%s", d.Address)
	}
	b, err := ch.Read(scanCtx)
	if cerr := conn.Close(); cerr != nil {
		h.log.Errorf("discovery close address=%s err=%v", d.Address, cerr)
	}
	if err != nil {
		return tele.Reading{}, errors.Annotatef(err, "read address=%s", d.Address)
	}
	r, err := tele.ParseReading(b)
	return r, errors.Annotatef(err, "address=%s", d.Address)
}

// accept updates cache, stats and history. Faucet edge is recorded
// on every faucet_closed change, first reading is not an edge.
// History is keyed by hub clock, node has no synchronized clock.
func (h *Hub) accept(r tele.Reading) {
	prev, hadPrev := h.cache.Update(r)
	h.stat.observeReading(r)
	h.log.Infof("telemetry %s", r.String())
	edge := hadPrev && prev.FaucetClosed != r.FaucetClosed
	if edge {
		h.stat.FaucetEvents.Inc()
		h.log.Infof("faucet closed=%t", r.FaucetClosed)
	}
	if h.rec == nil {
		return
	}
	ts := h.now().Unix()
	if err := h.rec.Record(ts, r); err != nil {
		h.log.Errorf("history record err=%v", err)
	}
	if edge {
		if err := h.rec.RecordFaucet(ts, r.FaucetClosed); err != nil {
			h.log.Errorf("history faucet err=%v", err)
		}
	}
}
