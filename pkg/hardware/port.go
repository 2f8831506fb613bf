// Package hardware provides actuator ports for the rover: a serial PWM bridge,
// feetech bus servos and an in-memory fake.
package hardware

import (
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/robot"
)

// Port joins a joint driver and a drive driver into one actuator port and
// owns the resources behind them.
type Port struct {
	robot.JointDriver
	robot.DriveDriver

	closers []io.Closer
}

// Combine creates a Port. Drivers that implement io.Closer are closed by
// Port.Close, each only once.
func Combine(joints robot.JointDriver, drive robot.DriveDriver) *Port {
	p := &Port{JointDriver: joints, DriveDriver: drive}
	for _, d := range []interface{}{joints, drive} {
		c, ok := d.(io.Closer)
		if !ok {
			continue
		}
		dup := false
		for _, seen := range p.closers {
			if seen == c {
				dup = true
			}
		}
		if !dup {
			p.closers = append(p.closers, c)
		}
	}
	return p
}

// Close releases the underlying devices.
func (p *Port) Close() error {
	var err error
	for _, c := range p.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Open creates the actuator port selected by cfg.
func Open(cfg robot.HardwareConfig, logger *zap.Logger) (*Port, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("hardware")

	switch cfg.Backend {
	case robot.BackendFake, "":
		fake := NewFake(logger)
		return Combine(fake, fake), nil

	case robot.BackendSerial:
		bridge, err := OpenSerial(cfg.SerialPort, cfg.Baud, logger)
		if err != nil {
			return nil, err
		}
		return Combine(bridge, bridge), nil

	case robot.BackendFeetech:
		bridge, err := OpenSerial(cfg.SerialPort, cfg.Baud, logger)
		if err != nil {
			return nil, err
		}
		joints, err := OpenFeetech(cfg.FeetechPort, cfg.FeetechIDs, logger)
		if err != nil {
			bridge.Close()
			return nil, err
		}
		return Combine(joints, bridge), nil

	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}
}
