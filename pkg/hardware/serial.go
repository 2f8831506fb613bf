package hardware

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/robot"
)

// Serial is a PWM bridge on a microcontroller reached over a serial line. It
// receives one text command per line:
//
//	J <joint> <duty>     set a joint servo pulse width in nanoseconds
//	M <channel> <duty>   set a drive output duty (0-65535)
type Serial struct {
	mu     sync.Mutex
	conn   io.WriteCloser
	logger *zap.Logger
}

var channelCodes = map[robot.DriveChannel]string{
	robot.LeftForward:   "LF",
	robot.LeftBackward:  "LB",
	robot.RightForward:  "RF",
	robot.RightBackward: "RB",
}

// OpenSerial opens the bridge on a serial port.
func OpenSerial(port string, baud int, logger *zap.Logger) (*Serial, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baud <= 0 {
		baud = 115200
	}
	logger.Info("opening serial port", zap.String("port", port), zap.Int("baud", baud))
	conn, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}
	return newSerial(conn, logger), nil
}

func newSerial(conn io.WriteCloser, logger *zap.Logger) *Serial {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serial{conn: conn, logger: logger.Named("serial")}
}

func (s *Serial) SetJointDuty(joint robot.JointName, duty uint32) error {
	return s.send(fmt.Sprintf("J %s %d", joint, duty))
}

func (s *Serial) SetDriveDuty(ch robot.DriveChannel, duty uint32) error {
	code, ok := channelCodes[ch]
	if !ok {
		return fmt.Errorf("unknown drive channel %s", ch)
	}
	return s.send(fmt.Sprintf("M %s %d", code, duty))
}

func (s *Serial) send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
