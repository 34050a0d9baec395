package node

import (
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/internal/valve"
	"github.com/temoto/solarvalve/tele"
)

// handleCommand rejects invalid values with log only.
// Returned error is persistence failure.
func (self *Node) handleCommand(cmd tele.Command) error {
	switch cmd.Type {
	case tele.TypeDeepsleep:
		f, err := cmd.Number()
		if err != nil {
			self.log.Errorf("command rejected %s err=%v", cmd.String(), err)
			return nil
		}
		if f > persist.DeepsleepMax {
			self.log.Errorf("command rejected %s above max=%d", cmd.String(), persist.DeepsleepMax)
			return nil
		}
		sec := int(f)
		if sec < 1 {
			self.log.Errorf("command rejected %s must be positive", cmd.String())
			return nil
		}
		return self.update(cmd, func(st *persist.State) { st.DeepsleepDuration = sec })

	case tele.TypeThreshold:
		f, err := cmd.Number()
		if err != nil {
			self.log.Errorf("command rejected %s err=%v", cmd.String(), err)
			return nil
		}
		if f < ThresholdMin || f > ThresholdMax {
			self.log.Errorf("command rejected %s out of range [%d,%d]", cmd.String(), ThresholdMin, ThresholdMax)
			return nil
		}
		return self.update(cmd, func(st *persist.State) { st.Threshold = &f })

	default:
		self.log.Infof("command ignored unknown %s", cmd.String())
		return nil
	}
}

func (self *Node) update(cmd tele.Command, fn func(*persist.State)) error {
	st, err := self.store.Update(fn)
	if err != nil {
		err = errors.Annotatef(valve.ErrPersist, "command %s err=%v", cmd.String(), err)
		self.log.Errorf("CRITICAL %v", err)
		return err
	}
	self.log.Infof("command applied %s deepsleep_duration=%d", cmd.String(), st.DeepsleepDuration)
	return nil
}
