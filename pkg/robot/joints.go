// Package robot provides the actuation layer of the rover: joint calibration,
// arm positioning and differential drive.
package robot

import "fmt"

// JointName identifies a servo joint of the arm.
type JointName string

// Joint names of the rover arm.
const (
	Base     JointName = "base"
	Shoulder JointName = "shoulder"
	Elbow    JointName = "elbow"
)

// AllJoints returns all joints in the order they are applied.
func AllJoints() []JointName {
	return []JointName{
		Base,
		Shoulder,
		Elbow,
	}
}

// DriveChannel identifies one directional PWM output of the drive train.
type DriveChannel int

// Drive channels. Each wheel motor has a forward and a backward output.
const (
	LeftForward DriveChannel = iota
	LeftBackward
	RightForward
	RightBackward
)

// AllDriveChannels returns the four directional outputs.
func AllDriveChannels() []DriveChannel {
	return []DriveChannel{LeftForward, LeftBackward, RightForward, RightBackward}
}

func (c DriveChannel) String() string {
	switch c {
	case LeftForward:
		return "left_forward"
	case LeftBackward:
		return "left_backward"
	case RightForward:
		return "right_forward"
	case RightBackward:
		return "right_backward"
	default:
		return fmt.Sprintf("drive_channel(%d)", int(c))
	}
}

// JointDriver sets the duty of a joint servo.
type JointDriver interface {
	SetJointDuty(joint JointName, duty uint32) error
}

// DriveDriver sets the duty of one directional drive output.
type DriveDriver interface {
	SetDriveDuty(ch DriveChannel, duty uint32) error
}

// Port is the actuator interface of the rover: three joint setters and four
// directional drive setters.
type Port interface {
	JointDriver
	DriveDriver
}
