package jointctl

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// STS3215 EEPROM/SRAM tuning registers.
const (
	addrResponseDelay = 7
	addrPGain         = 21
	addrDGain         = 22
	addrIGain         = 23
	addrAcceleration  = 41
)

type servoSetting struct {
	name  string
	addr  byte
	value byte
}

// Low response delay speeds up the bus, a softer P gain reduces shaking, and
// full acceleration lets the goal speed alone shape the motion.
var servoTuning = []servoSetting{
	{"response_delay", addrResponseDelay, 0},
	{"acceleration", addrAcceleration, 254},
	{"p_gain", addrPGain, 16},
	{"i_gain", addrIGain, 0},
	{"d_gain", addrDGain, 32},
}

// WriteRegister writes one byte register of servo id.
func (b *FeetechBus) WriteRegister(id int, addr, value byte) error {
	_, err := b.transact(byte(id), instWrite, []byte{addr, value})
	return errors.Wrapf(err, "failed to write register %d of servo %d", addr, id)
}

// configureServo applies servoTuning. Failures are logged and skipped; a servo
// keeps working with its factory settings.
func configureServo(bus *FeetechBus, id int, logger logging.Logger) {
	for _, s := range servoTuning {
		if err := bus.WriteRegister(id, s.addr, s.value); err != nil {
			logger.Debugf("failed to set %s for servo %d: %v", s.name, id, err)
		}
	}
}
