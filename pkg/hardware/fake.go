package hardware

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/robot"
)

// Write is one duty value written to a Fake.
type Write struct {
	Joint   robot.JointName // empty for drive writes
	Channel robot.DriveChannel
	Duty    uint32
}

// Fake is an in-memory actuator port. It records every write and is used for
// dry runs and tests.
type Fake struct {
	mu     sync.Mutex
	writes []Write
	joints map[robot.JointName]uint32
	drive  map[robot.DriveChannel]uint32
	logger *zap.Logger
}

// NewFake creates an empty Fake.
func NewFake(logger *zap.Logger) *Fake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fake{
		joints: make(map[robot.JointName]uint32),
		drive:  make(map[robot.DriveChannel]uint32),
		logger: logger.Named("fake"),
	}
}

func (f *Fake) SetJointDuty(joint robot.JointName, duty uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{Joint: joint, Duty: duty})
	f.joints[joint] = duty
	f.logger.Debug("joint duty", zap.String("joint", string(joint)), zap.Uint32("duty", duty))
	return nil
}

func (f *Fake) SetDriveDuty(ch robot.DriveChannel, duty uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, Write{Channel: ch, Duty: duty})
	f.drive[ch] = duty
	f.logger.Debug("drive duty", zap.Stringer("channel", ch), zap.Uint32("duty", duty))
	return nil
}

// Writes returns a copy of all recorded writes.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// JointWrites returns the recorded joint writes in order.
func (f *Fake) JointWrites() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Write
	for _, w := range f.writes {
		if w.Joint != "" {
			out = append(out, w)
		}
	}
	return out
}

// JointDuty returns the last duty written to a joint.
func (f *Fake) JointDuty(joint robot.JointName) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	duty, ok := f.joints[joint]
	return duty, ok
}

// DriveDuty returns the last duty written to a drive channel.
func (f *Fake) DriveDuty(ch robot.DriveChannel) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drive[ch]
}

// Reset forgets all recorded writes.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
	f.joints = make(map[robot.JointName]uint32)
	f.drive = make(map[robot.DriveChannel]uint32)
}
