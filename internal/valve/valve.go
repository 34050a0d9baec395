// Package valve derives open/close decisions from temperatures and keeps
// physical valve position equal to recorded one.
package valve

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/log2"
)

var (
	ErrActuation = errors.New("valve: actuation failed")
	ErrPersist   = errors.New("valve: persist failed")
)

func IsActuation(err error) bool { return errors.Cause(err) == ErrActuation }
func IsPersist(err error) bool   { return errors.Cause(err) == ErrPersist }

// Decide returns shouldOpen = solar+threshold > tank.
// ok=false when either temperature is unknown: caller must hold prior position.
func Decide(solar, tank *float64, threshold float64) (shouldOpen bool, ok bool) {
	if solar == nil || tank == nil {
		return false, false
	}
	return *solar+threshold > *tank, true
}

type Actuator interface {
	Set(open bool) error
}

type Store interface {
	Current() persist.State
	Store(persist.State) error
}

// Controller owns valve position. Actuator write and durable write are one logical operation.
type Controller struct {
	mu    sync.Mutex
	log   *log2.Log
	act   Actuator
	store Store
	open  bool
}

// NewController takes position from store. No actuation happens here.
func NewController(act Actuator, store Store, log *log2.Log) *Controller {
	return &Controller{
		log:   log,
		act:   act,
		store: store,
		open:  store.Current().ValveOpen,
	}
}

func (self *Controller) Open() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.open
}

// Apply is no-op when position matches.
// Otherwise actuates, then persists. On any failure position is unchanged
// and error cause is ErrActuation or ErrPersist.
func (self *Controller) Apply(open bool) (changed bool, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if open == self.open {
		return false, nil
	}
	if err = self.act.Set(open); err != nil {
		return false, errors.Annotatef(ErrActuation, "open=%t err=%v", open, err)
	}
	st := self.store.Current()
	st.ValveOpen = open
	if err = self.store.Store(st); err != nil {
		if rerr := self.act.Set(self.open); rerr != nil {
			self.log.Errorf("CRITICAL valve revert open=%t failed, physical position differs from recorded err=%v", self.open, rerr)
		}
		return false, errors.Annotatef(ErrPersist, "open=%t err=%v", open, err)
	}
	self.open = open
	self.log.Infof("valve open=%t", open)
	return true, nil
}

// Memory is in-process actuator for simulation and tests.
type Memory struct {
	mu    sync.Mutex
	level bool
	count int
	Err   error
}

func NewMemory(initial bool) *Memory { return &Memory{level: initial} }

func (self *Memory) Set(open bool) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Err != nil {
		return self.Err
	}
	self.level = open
	self.count++
	return nil
}

func (self *Memory) Level() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.level
}

// Count returns number of successful Set calls.
func (self *Memory) Count() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.count
}
