package robot

import (
	"math"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPWM is the full-scale duty of a drive output.
	DefaultMaxPWM = 65535

	// DefaultCorrection compensates the mechanical imbalance between the two
	// wheel motors.
	DefaultCorrection = 0.85

	velocityRange = 10.0 // commanded velocities span [-10, 10]
	headroom      = 0.95
)

// Drive converts linear/angular velocity commands into differential PWM outputs.
type Drive struct {
	driver     DriveDriver
	maxPWM     float64
	correction float64
	logger     *zap.Logger
}

// NewDrive creates a drive on top of a DriveDriver. Zero values in cfg fall
// back to DefaultMaxPWM and DefaultCorrection.
func NewDrive(driver DriveDriver, cfg DriveConfig, logger *zap.Logger) *Drive {
	if cfg.MaxPWM <= 0 {
		cfg.MaxPWM = DefaultMaxPWM
	}
	if cfg.Correction <= 0 {
		cfg.Correction = DefaultCorrection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drive{
		driver:     driver,
		maxPWM:     float64(cfg.MaxPWM),
		correction: cfg.Correction,
		logger:     logger.Named("drive"),
	}
}

// MaxPWM returns the saturation limit of a drive output.
func (d *Drive) MaxPWM() int {
	return int(d.maxPWM)
}

// FromVelocities maps v (linear) and w (angular), both in [-10, 10], to signed
// left and right PWM values. Each side is hard-clamped to [-MaxPWM, MaxPWM],
// which may distort the turn ratio at the extremes. A positive left value is
// scaled by the motor correction and rounded; the right side is returned as is.
func (d *Drive) FromVelocities(v, w float64) (left, right int) {
	k := d.maxPWM * headroom / velocityRange

	var pwmV, pwmW float64
	if v != 0 {
		pwmV = v * k
	}
	if w != 0 {
		pwmW = w * k
	}

	l := lo.Clamp(pwmV+pwmW, -d.maxPWM, d.maxPWM)
	r := lo.Clamp(pwmV-pwmW, -d.maxPWM, d.maxPWM)
	if l > 0 {
		l = math.Round(l * d.correction)
	}

	d.logger.Debug("differential drive",
		zap.Float64("v", v),
		zap.Float64("w", w),
		zap.Int("left", int(l)),
		zap.Int("right", int(r)))

	return int(l), int(r)
}

// SetPWM drives both wheels. A positive value drives the forward output and
// zeroes the backward one; any other value zeroes the forward output and drives
// the backward one with its magnitude. The right reverse path is scaled by the
// motor correction.
func (d *Drive) SetPWM(left, right int) error {
	var err error

	if left > 0 {
		err = multierr.Append(err, d.set(LeftForward, uint32(left)))
		err = multierr.Append(err, d.set(LeftBackward, 0))
	} else {
		err = multierr.Append(err, d.set(LeftForward, 0))
		err = multierr.Append(err, d.set(LeftBackward, uint32(-left)))
	}

	if right > 0 {
		err = multierr.Append(err, d.set(RightForward, uint32(right)))
		err = multierr.Append(err, d.set(RightBackward, 0))
	} else {
		err = multierr.Append(err, d.set(RightForward, 0))
		err = multierr.Append(err, d.set(RightBackward, uint32(math.Abs(float64(right)*d.correction))))
	}

	d.logger.Debug("drive pwm", zap.Int("left", left), zap.Int("right", right))
	return err
}

// Stop zeroes all four drive outputs. It is safe to call at any time.
func (d *Drive) Stop() error {
	var err error
	for _, ch := range AllDriveChannels() {
		err = multierr.Append(err, d.set(ch, 0))
	}
	d.logger.Debug("drive stopped")
	return err
}

func (d *Drive) set(ch DriveChannel, duty uint32) error {
	if err := d.driver.SetDriveDuty(ch, duty); err != nil {
		d.logger.Error("set drive duty", zap.Stringer("channel", ch), zap.Error(err))
		return err
	}
	return nil
}
