package robot

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Axis is one calibrated joint together with the last angle that was applied to it.
type Axis struct {
	Name JointName
	JointCalibration

	angle float64
}

// Angle returns the last angle that passed validation.
func (a *Axis) Angle() float64 {
	return a.angle
}

// Arm positions the three arm joints through a JointDriver.
type Arm struct {
	driver JointDriver
	axes   []*Axis
	logger *zap.Logger
}

// NewArm creates an arm from calibration data. Current angles start at the
// calibrated home angles; nothing is written to the driver.
func NewArm(driver JointDriver, cal Calibration, logger *zap.Logger) (*Arm, error) {
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("validate calibration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	axes := make([]*Axis, 0, len(AllJoints()))
	for _, name := range AllJoints() {
		jc := cal[name]
		axes = append(axes, &Axis{Name: name, JointCalibration: jc, angle: jc.Home})
	}

	return &Arm{
		driver: driver,
		axes:   axes,
		logger: logger.Named("arm"),
	}, nil
}

// Apply moves base, shoulder and elbow, in that order. Each joint is validated
// on its own: an out-of-range angle skips that joint while the others still
// move, and nothing is rolled back. The returned error lists every skipped joint.
func (a *Arm) Apply(base, shoulder, elbow float64) error {
	a.logger.Debug("moving arm",
		zap.Float64("base", base),
		zap.Float64("shoulder", shoulder),
		zap.Float64("elbow", elbow))

	var err error
	for i, angle := range []float64{base, shoulder, elbow} {
		err = multierr.Append(err, a.move(a.axes[i], angle))
	}
	return err
}

func (a *Arm) move(axis *Axis, angle float64) error {
	if !axis.ValidAngle(angle) {
		a.logger.Warn("joint angle out of range",
			zap.String("joint", string(axis.Name)),
			zap.Float64("angle", angle),
			zap.Float64("min", axis.Min),
			zap.Float64("max", axis.Max))
		return fmt.Errorf("%s %g outside [%g, %g]: %w", axis.Name, angle, axis.Min, axis.Max, ErrAngleOutOfRange)
	}

	duty := axis.AngleToDuty(angle)
	if duty < 0 {
		return fmt.Errorf("%s duty %d is negative", axis.Name, duty)
	}
	if err := a.driver.SetJointDuty(axis.Name, uint32(duty)); err != nil {
		a.logger.Error("set joint duty", zap.String("joint", string(axis.Name)), zap.Error(err))
		return fmt.Errorf("set %s duty: %w", axis.Name, err)
	}
	axis.angle = angle
	return nil
}

// Home moves every joint to its calibrated home angle.
func (a *Arm) Home() error {
	return a.Apply(a.axes[0].Home, a.axes[1].Home, a.axes[2].Home)
}

// Angles returns the current angle of every joint.
func (a *Arm) Angles() map[JointName]float64 {
	angles := make(map[JointName]float64, len(a.axes))
	for _, axis := range a.axes {
		angles[axis.Name] = axis.angle
	}
	return angles
}

// Axis returns the axis for a joint.
func (a *Arm) Axis(name JointName) (*Axis, bool) {
	for _, axis := range a.axes {
		if axis.Name == name {
			return axis, true
		}
	}
	return nil, false
}
