// Package history keeps temperature readings and faucet events for charts.
//
// Hub pushes events into durable spq queue, worker forwards them
// to sinks (sqlite store, MQTT) and deletes only after all sinks accepted.
package history

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
	"github.com/temoto/spq"
)

const DefaultRetention = 7 * 24 * time.Hour

const (
	qReading byte = 1
	qFaucet  byte = 2
)

type Sink interface {
	Name() string
	WriteReading(ts int64, r tele.Reading) error
	WriteFaucet(ts int64, closed bool) error
}

type event struct {
	TS      int64         `json:"ts"`
	Reading *tele.Reading `json:"reading,omitempty"`
	Closed  bool          `json:"closed,omitempty"`
}

// Recorder implements hub.Recorder.
type Recorder struct {
	log     *log2.Log
	q       *spq.Queue
	sinks   []Sink
	alive   *alive.Alive
	backoff helpers.Backoff
}

// NewRecorder opens queue at path, spq.OnlyForTesting keeps it in memory.
func NewRecorder(path string, log *log2.Log, sinks ...Sink) (*Recorder, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "history queue open")
	}
	r := &Recorder{
		log:   log,
		q:     q,
		sinks: sinks,
		alive: alive.NewAlive(),
		backoff: helpers.Backoff{
			Min: 1 * time.Second,
			Max: 1 * time.Minute,
			K:   2,
		},
	}
	return r, nil
}

func (r *Recorder) Record(ts int64, reading tele.Reading) error {
	return r.push(qReading, event{TS: ts, Reading: &reading})
}

func (r *Recorder) RecordFaucet(ts int64, closed bool) error {
	return r.push(qFaucet, event{TS: ts, Closed: closed})
}

func (r *Recorder) push(tag byte, e event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Annotate(err, "history encode")
	}
	return errors.Annotate(r.q.Push(append([]byte{tag}, b...)), "history push")
}

// Run starts forwarding worker.
func (r *Recorder) Run() {
	if !r.alive.Add(1) {
		return
	}
	go func() {
		defer r.alive.Done()
		r.worker()
	}()
}

func (r *Recorder) Close() error {
	r.alive.Stop()
	err := r.q.Close()
	r.alive.Wait()
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

func (r *Recorder) worker() {
	for {
		box, err := r.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := r.handle(b)
			if err != nil {
				r.log.Errorf("history handle b=%x err=%v", b, err)
			}
			if del {
				r.backoff.Reset()
				if err = r.q.Delete(box); err != nil && r.alive.IsRunning() {
					r.log.Errorf("history Delete err=%v", err)
				}
				continue
			}
			if err = r.q.DeletePush(box); err != nil && r.alive.IsRunning() {
				r.log.Errorf("history DeletePush err=%v", err)
			}
			if !r.pause(r.backoff.DelayAfter(false)) {
				return
			}

		case spq.ErrClosed:
			select {
			case <-r.alive.StopChan(): // success path
			default:
				r.log.Errorf("CRITICAL history spq closed unexpectedly")
			}
			return

		default:
			r.log.Errorf("CRITICAL history spq err=%v", err)
			if !r.pause(r.backoff.DelayAfter(false)) {
				return
			}
		}
	}
}

// pause returns false when stopping.
func (r *Recorder) pause(d time.Duration) bool {
	if d <= 0 {
		d = r.backoff.Min
	}
	select {
	case <-time.After(d):
		return true
	case <-r.alive.StopChan():
		return false
	}
}

// handle returns del=true when item is done: delivered or undecodable.
func (r *Recorder) handle(b []byte) (bool, error) {
	if len(b) < 2 {
		return true, errors.Errorf("history item too short")
	}
	var e event
	if err := json.Unmarshal(b[1:], &e); err != nil {
		return true, errors.Annotate(err, "history decode")
	}
	errs := make([]error, 0, len(r.sinks))
	for _, s := range r.sinks {
		var err error
		switch b[0] {
		case qReading:
			if e.Reading == nil {
				return true, errors.Errorf("history reading item without reading")
			}
			err = s.WriteReading(e.TS, *e.Reading)
		case qFaucet:
			err = s.WriteFaucet(e.TS, e.Closed)
		default:
			return true, errors.Errorf("history unknown kind=%d", b[0])
		}
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "sink=%s", s.Name()))
		}
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return false, err
	}
	return true, nil
}
