// Package persist keeps node state across power loss.
// Payload is JSON object {valve_open, deepsleep_duration, threshold}
// stored by extremofile (main + backup copy, synced write), each copy is
// the JSON object followed by 8 byte checksum.
package persist

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

const (
	DefaultDeepsleep = 10
	DeepsleepMax     = 24 * 60 * 60

	mainFileName = extremofile.DefaultFilePrefix + "v1.main"
)

type State struct {
	ValveOpen         bool     `json:"valve_open"`
	DeepsleepDuration int      `json:"deepsleep_duration"`
	Threshold         *float64 `json:"threshold,omitempty"` // nil means configured default
}

func Default() State { return State{ValveOpen: false, DeepsleepDuration: DefaultDeepsleep} }

func (s State) MarshalBinary() ([]byte, error) { return json.Marshal(s) }

// UnmarshalBinary accepts numbers or numeric strings for deepsleep_duration and threshold.
// Fractional seconds are truncated. Trailing data after the object is an error.
func (s *State) UnmarshalBinary(b []byte) error {
	var tmp struct {
		ValveOpen         bool        `json:"valve_open"`
		DeepsleepDuration interface{} `json:"deepsleep_duration"`
		Threshold         interface{} `json:"threshold"`
	}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	if err := d.Decode(&tmp); err != nil {
		return errors.NewNotValid(err, "state")
	}
	if _, err := d.Token(); err != io.EOF {
		return errors.NotValidf("state trailing data")
	}
	st := State{ValveOpen: tmp.ValveOpen}
	if tmp.DeepsleepDuration != nil {
		f, err := tele.Command{Type: tele.TypeDeepsleep, Value: tmp.DeepsleepDuration}.Number()
		if err != nil {
			return errors.NewNotValid(err, "state")
		}
		// saturate, Load repairs out of range value
		st.DeepsleepDuration = int(math.Max(0, math.Min(f, math.MaxInt32)))
	}
	if tmp.Threshold != nil {
		f, err := tele.Command{Type: tele.TypeThreshold, Value: tmp.Threshold}.Number()
		if err != nil {
			return errors.NewNotValid(err, "state")
		}
		st.Threshold = &f
	}
	*s = st
	return nil
}

func validDeepsleep(sec int) bool { return sec >= 1 && sec <= DeepsleepMax }

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Store is the only owner of node state record.
type Store struct {
	mu        sync.Mutex
	log       *log2.Log
	storage   storage
	current   State
	tolerable func(error) bool // write errors after which record is still durable
	plain     func() ([]byte, error)
}

func New(dir string, log *log2.Log) (*Store, error) {
	if dir == "" {
		return nil, errors.Errorf("persist dir=empty")
	}
	s := NewStorage(extremofile.New(extremofile.Config{
		Dir:      dir,
		DirPerm:  0755,
		FilePerm: 0644,
	}), log)
	// non-critical extremofile error means main copy is written, only backup failed
	s.tolerable = func(e error) bool { return !extremofile.IsCritical(e) }
	mainPath := filepath.Join(dir, mainFileName)
	s.plain = func() ([]byte, error) { return ioutil.ReadFile(mainPath) }
	return s, nil
}

// NewStorage binds store to custom storage, used by tests.
func NewStorage(st storage, log *log2.Log) *Store {
	return &Store{log: log, storage: st, current: Default()}
}

// Load reads durable state.
// Main file holding bare JSON object without checksum is accepted and rewritten framed.
// Absent or unparsable record falls back to defaults and is rewritten immediately.
// Returned state is always usable, error reports failed rewrite or unreadable storage.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbegin := time.Now()
	b, err := s.storage.Read()
	s.log.Debugf("persist read duration=%v", time.Since(tbegin))
	rewrite := false
	st := Default()
	switch {
	case b != nil:
		if err != nil {
			s.log.Errorf("persist ignore non-critical storage err=%v", err)
		}
		if err = st.UnmarshalBinary(b); err != nil {
			s.log.Errorf("persist state unparsable err=%v", err)
			st = s.loadPlain()
			rewrite = true
		}
	case err != nil:
		s.log.Errorf("persist read failed err=%v", err)
		st = s.loadPlain()
		rewrite = true
	default:
		s.log.Infof("persist state absent, using defaults")
		rewrite = true
	}
	if !validDeepsleep(st.DeepsleepDuration) {
		s.log.Errorf("persist invalid deepsleep_duration=%d, using default=%d", st.DeepsleepDuration, DefaultDeepsleep)
		st.DeepsleepDuration = DefaultDeepsleep
		rewrite = true
	}
	s.current = st
	if rewrite {
		if err = s.write(st); err != nil {
			return st, errors.Annotate(err, "persist rewrite")
		}
	}
	return st, nil
}

// loadPlain reads main file as bare JSON object, defaults otherwise.
func (s *Store) loadPlain() State {
	if s.plain == nil {
		s.log.Errorf("persist using defaults")
		return Default()
	}
	b, err := s.plain()
	if err != nil {
		s.log.Errorf("persist using defaults err=%v", err)
		return Default()
	}
	var st State
	if err = st.UnmarshalBinary(b); err != nil {
		s.log.Errorf("persist using defaults, main file err=%v", err)
		return Default()
	}
	s.log.Infof("persist recovered unframed state valve_open=%t deepsleep_duration=%d", st.ValveOpen, st.DeepsleepDuration)
	return st
}

// Store writes new state synchronously. On error current value is unchanged.
func (s *Store) Store(st State) error {
	if !validDeepsleep(st.DeepsleepDuration) {
		return errors.NotValidf("deepsleep_duration=%d", st.DeepsleepDuration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(st); err != nil {
		return errors.Annotate(err, "persist store")
	}
	s.current = st
	return nil
}

// Update applies fn to a copy of current state and stores result.
func (s *Store) Update(fn func(*State)) (State, error) {
	st := s.Current()
	fn(&st)
	return st, s.Store(st)
}

// Reset overwrites record with defaults.
func (s *Store) Reset() error { return s.Store(Default()) }

func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) write(st State) error {
	b, err := st.MarshalBinary()
	if err != nil {
		return err
	}
	tbegin := time.Now()
	_, err = s.storage.Write(b)
	s.log.Debugf("persist write duration=%v", time.Since(tbegin))
	if err != nil && s.tolerable != nil && s.tolerable(err) {
		s.log.Errorf("persist ignore non-critical storage err=%v", err)
		err = nil
	}
	return err
}
