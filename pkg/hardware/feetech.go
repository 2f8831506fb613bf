package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/robot"
)

const (
	feetechBaud    = 1_000_000
	feetechTimeout = 100 * time.Millisecond

	// Hobby-servo pulse widths mapped onto half a revolution of an STS servo.
	minPulseNs      = 500_000
	maxPulseNs      = 2_500_000
	stepsPerHalfRev = 2048
	maxStep         = 4095
)

// Feetech drives the arm joints with feetech STS bus servos. Joint duty values
// are pulse widths in nanoseconds and are converted to servo steps.
type Feetech struct {
	bus    *feetech.Bus
	servos map[robot.JointName]*feetech.Servo
	logger *zap.Logger
}

// OpenFeetech opens the servo bus and enables torque on the configured servos.
func OpenFeetech(port string, ids map[robot.JointName]int, logger *zap.Logger) (*Feetech, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: feetechBaud,
		Protocol: feetech.ProtocolSTS,
		Timeout:  feetechTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	maxID := lo.Max(lo.Values(ids))
	found, err := bus.Scan(ctx, 1, maxID)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("scan bus: %w", err)
	}
	byID := lo.KeyBy(found, func(s feetech.FoundServo) int { return s.ID })

	servos := make(map[robot.JointName]*feetech.Servo, len(ids))
	for _, joint := range robot.AllJoints() {
		id, ok := ids[joint]
		if !ok {
			bus.Close()
			return nil, fmt.Errorf("%w: no servo id for %s", robot.ErrUnknownJoint, joint)
		}
		s, ok := byID[id]
		if !ok {
			bus.Close()
			return nil, fmt.Errorf("servo %d (%s) not found on %s", id, joint, port)
		}
		servo := feetech.NewServo(bus, s.ID, s.Model)
		if err := servo.Enable(ctx); err != nil {
			bus.Close()
			return nil, fmt.Errorf("enable %s: %w", joint, err)
		}
		servos[joint] = servo
	}

	logger.Info("feetech bus ready", zap.String("port", port), zap.Int("servos", len(servos)))
	return &Feetech{bus: bus, servos: servos, logger: logger.Named("feetech")}, nil
}

func (f *Feetech) SetJointDuty(joint robot.JointName, duty uint32) error {
	servo, ok := f.servos[joint]
	if !ok {
		return fmt.Errorf("%w: %s", robot.ErrUnknownJoint, joint)
	}
	ctx, cancel := context.WithTimeout(context.Background(), feetechTimeout)
	defer cancel()
	if err := servo.SetPosition(ctx, PulseToStep(duty)); err != nil {
		return fmt.Errorf("set %s position: %w", joint, err)
	}
	return nil
}

// Close disables torque and closes the bus.
func (f *Feetech) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for joint, servo := range f.servos {
		if err := servo.Disable(ctx); err != nil {
			f.logger.Warn("disable servo", zap.String("joint", string(joint)), zap.Error(err))
		}
	}
	return f.bus.Close()
}

// PulseToStep converts a servo pulse width in nanoseconds to an STS step.
func PulseToStep(pulseNs uint32) int {
	pulse := lo.Clamp(float64(pulseNs), minPulseNs, maxPulseNs)
	step := int((pulse - minPulseNs) / (maxPulseNs - minPulseNs) * stepsPerHalfRev)
	return lo.Clamp(step, 0, maxStep)
}
