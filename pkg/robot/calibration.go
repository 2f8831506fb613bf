package robot

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrAngleOutOfRange is returned when a commanded angle lies outside the
	// calibrated range of a joint.
	ErrAngleOutOfRange = errors.New("angle out of range")

	// ErrUnknownJoint is returned for a joint without calibration data.
	ErrUnknownJoint = errors.New("unknown joint")
)

// JointCalibration holds calibration data for a single joint. A commanded angle
// in degrees maps to a hardware duty value as Slope*angle + Intercept.
type JointCalibration struct {
	Slope     float64 `json:"slope" yaml:"slope"`
	Intercept float64 `json:"intercept" yaml:"intercept"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Home      float64 `json:"home" yaml:"home"`
}

// Calibration holds calibration data for all joints, keyed by joint name.
type Calibration map[JointName]JointCalibration

// DefaultCalibration returns the factory calibration of the rover arm. Duty
// values are servo pulse widths in nanoseconds.
func DefaultCalibration() Calibration {
	return Calibration{
		Base:     {Slope: 11111, Intercept: 1500000, Min: -90, Max: 90, Home: 0},
		Shoulder: {Slope: -11111, Intercept: 1750000, Min: -70, Max: 150, Home: 20},
		Elbow:    {Slope: 10556, Intercept: 450000, Min: 10, Max: 150, Home: 55},
	}
}

// AngleToDuty converts an angle in degrees to a duty value, truncated toward zero.
func (c JointCalibration) AngleToDuty(angle float64) int64 {
	return int64(c.Slope*angle + c.Intercept)
}

// ValidAngle reports whether angle lies within the calibrated range, endpoints included.
func (c JointCalibration) ValidAngle(angle float64) bool {
	return angle >= c.Min && angle <= c.Max
}

// Validate checks that the range is well formed and the home angle lies within it.
func (c JointCalibration) Validate() error {
	if c.Min > c.Max {
		return fmt.Errorf("range [%g, %g] is inverted", c.Min, c.Max)
	}
	if !c.ValidAngle(c.Home) {
		return fmt.Errorf("home %g outside range [%g, %g]", c.Home, c.Min, c.Max)
	}
	return nil
}

// Validate checks that every joint of the arm is calibrated.
func (c Calibration) Validate() error {
	var err error
	for _, name := range AllJoints() {
		jc, ok := c[name]
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: %s has no calibration", ErrUnknownJoint, name))
			continue
		}
		if verr := jc.Validate(); verr != nil {
			err = multierr.Append(err, fmt.Errorf("joint %s: %w", name, verr))
		}
	}
	return err
}
