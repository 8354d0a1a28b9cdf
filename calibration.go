package jointctl

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Full scale of a Feetech STS position register.
const servoResolution = 4095

// ServoCalibration maps raw servo ticks to joint radians.
type ServoCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// DefaultServoCalibration covers the full register range with zero at mid-travel.
func DefaultServoCalibration(id int) ServoCalibration {
	return ServoCalibration{ID: id, RangeMin: 0, RangeMax: servoResolution}
}

func (c ServoCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax) / 2.0
}

// ToRadians converts a raw position reading.
func (c ServoCalibration) ToRadians(raw int) float64 {
	r := (float64(raw) - c.center()) * 2 * math.Pi / servoResolution
	if c.DriveMode != 0 {
		r = -r
	}
	return r
}

// FromRadians converts a joint angle to a goal position, clamped to the calibrated range.
func (c ServoCalibration) FromRadians(radians float64) int {
	if c.DriveMode != 0 {
		radians = -radians
	}
	raw := int(math.Round(c.center() + radians*servoResolution/(2*math.Pi)))
	if raw < c.RangeMin {
		return c.RangeMin
	}
	if raw > c.RangeMax {
		return c.RangeMax
	}
	return raw
}

// Validate rejects ranges outside the register or with no travel.
func (c ServoCalibration) Validate() error {
	if c.RangeMin < 0 || c.RangeMax > servoResolution {
		return errors.Errorf("servo %d: range [%d, %d] outside [0, %d]", c.ID, c.RangeMin, c.RangeMax, servoResolution)
	}
	if c.RangeMin >= c.RangeMax {
		return errors.Errorf("servo %d: range_min %d must be below range_max %d", c.ID, c.RangeMin, c.RangeMax)
	}
	return nil
}

// LoadCalibrationFile reads a joint name -> calibration JSON object.
func LoadCalibrationFile(path string, logger logging.Logger) (map[string]ServoCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read calibration file")
	}
	var cals map[string]ServoCalibration
	if err := json.Unmarshal(data, &cals); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibration JSON")
	}
	for name, cal := range cals {
		if err := cal.Validate(); err != nil {
			return nil, errors.Wrapf(err, "joint %q", name)
		}
	}
	logger.Infof("loaded calibration for %d joints from %s", len(cals), path)
	return cals, nil
}

// SaveCalibrationFile writes cals in the format LoadCalibrationFile reads.
func SaveCalibrationFile(path string, cals map[string]ServoCalibration) error {
	data, err := json.MarshalIndent(cals, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write calibration file")
	}
	return nil
}
