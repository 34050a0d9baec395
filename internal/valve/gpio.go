package valve

import (
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const consumerLabel = "solarvalve"

// GPIO drives valve relay through Linux gpio character device.
type GPIO struct {
	lines gpio.Lineser
	set   gpio.LineSetFunc
}

var _ Actuator = &GPIO{}

// OpenGPIO requests output line and drives it to initial position.
// This restores hardware state after power loss and does not count as toggle.
func OpenGPIO(chip gpio.Chiper, line uint32, initial bool) (*GPIO, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumerLabel, line)
	if err != nil {
		return nil, errors.Annotatef(err, "valve gpio line=%d", line)
	}
	self := &GPIO{lines: lines, set: lines.SetFunc(line)}
	if err = self.Set(initial); err != nil {
		_ = lines.Close()
		return nil, errors.Annotatef(err, "valve gpio line=%d restore", line)
	}
	return self, nil
}

func (self *GPIO) Set(open bool) error {
	var b byte
	if open {
		b = 1
	}
	self.set(b)
	return errors.Annotate(self.lines.Flush(), "valve gpio flush")
}

func (self *GPIO) Close() error { return self.lines.Close() }
