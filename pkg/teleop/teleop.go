// Package teleop runs the rover: it connects to the broker, subscribes to the
// rover's topics and feeds every received message to the command interpreter.
package teleop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/command"
	"github.com/gwillem/rover/pkg/robot"
	"github.com/gwillem/rover/pkg/transport"
)

// ErrDisconnected is returned by Start when the broker connection is lost.
var ErrDisconnected = errors.New("broker connection lost")

// State represents the current state of the rover.
type State struct {
	Connection transport.State
	Left       int // signed drive PWM
	Right      int
	Joints     map[robot.JointName]float64
	Sequences  int
	Timestamp  time.Time
	Error      error
}

// Controller manages the broker session and the command loop.
type Controller struct {
	cfg    *robot.Config
	port   robot.Port
	arm    *robot.Arm
	drive  *robot.Drive
	interp *command.Interpreter
	client *transport.Client
	logger *zap.Logger

	mu      sync.RWMutex
	state   State
	running bool
	stateCh chan State
	logCh   chan string
}

// NewController creates a controller that drives port according to cfg.
// Options are passed to the transport client.
func NewController(cfg *robot.Config, port robot.Port, logger *zap.Logger, opts ...transport.Option) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		cfg:     cfg,
		port:    port,
		logger:  logger.Named("teleop"),
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
	tapped := &tap{Port: port, ctrl: c, duty: make(map[robot.DriveChannel]uint32)}

	arm, err := robot.NewArm(tapped, cfg.Joints, logger)
	if err != nil {
		return nil, fmt.Errorf("create arm: %w", err)
	}
	c.arm = arm
	c.drive = robot.NewDrive(tapped, cfg.Drive, logger)
	c.interp = command.NewInterpreter(arm, c.drive,
		command.WithSettle(cfg.Drive.ArmSettle.Std()),
		command.WithLogger(logger))

	opts = append([]transport.Option{
		transport.WithLogger(logger),
		transport.WithStateHook(c.onConnection),
	}, opts...)
	c.client = transport.NewClient(clientConfig(cfg.Broker), opts...)

	c.state = State{Joints: arm.Angles()}
	return c, nil
}

func clientConfig(b robot.BrokerConfig) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Address = b.Address
	cfg.MaxAttempts = b.MaxAttempts
	cfg.Backoff = b.Backoff.Std()
	cfg.DialTimeout = b.DialTimeout.Std()
	cfg.ReadTimeout = b.ReadTimeout.Std()
	return cfg
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// MaxPWM returns the drive saturation limit.
func (c *Controller) MaxPWM() int {
	return c.drive.MaxPWM()
}

// Address returns the broker address.
func (c *Controller) Address() string {
	return c.cfg.Broker.Address
}

// Home moves the arm to its home angles. It must not be called while Start is
// running.
func (c *Controller) Home() error {
	if err := c.arm.Home(); err != nil {
		return fmt.Errorf("home arm: %w", err)
	}
	c.publish()
	return nil
}

func (c *Controller) log(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	c.logger.Info(text)
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), text)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start connects to the broker, subscribes to the rover's topics and executes
// messages until ctx is cancelled or the connection drops. On cancellation the
// drive is stopped and the connection closed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log("Connecting to %s", c.cfg.Broker.Address)
	if err := c.client.Connect(ctx); err != nil {
		c.log("Connect failed: %v", err)
		c.setError(err)
		return fmt.Errorf("connect broker: %w", err)
	}

	for _, topic := range c.cfg.Subscriptions() {
		if err := c.client.Subscribe(topic); err != nil {
			c.log("Subscribe failed: %v", err)
			return multierr.Append(fmt.Errorf("subscribe: %w", err), c.Stop())
		}
	}

	msgs, err := c.client.Listen(ctx)
	if err != nil {
		return multierr.Append(fmt.Errorf("listen: %w", err), c.Stop())
	}
	c.log("Listening for commands")

	for {
		select {
		case <-ctx.Done():
			if err := c.Stop(); err != nil {
				c.log("Stop: %v", err)
			}
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					if err := c.Stop(); err != nil {
						c.log("Stop: %v", err)
					}
					return ctx.Err()
				}
				c.log("Connection lost")
				c.setError(ErrDisconnected)
				return ErrDisconnected
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg command.Message) {
	switch m := msg.(type) {
	case command.StateCommand:
		c.log("State v=%.1f w=%.1f alfa=(%.0f, %.0f, %.0f) for %s", m.V, m.W, m.Alfa0, m.Alfa1, m.Alfa2, m.Duration)
	case command.SequenceCreate:
		c.log("Sequence %q created (%d states)", m.Name, len(m.States))
	case command.SequenceExecute:
		c.log("Sequence %q executing", m.Name)
	}

	if err := c.interp.Handle(ctx, msg); err != nil && ctx.Err() == nil {
		c.log("%s failed: %v", msg.Kind(), err)
		c.setError(err)
	}
	c.publish()
}

// Stop zeroes the drive and closes the broker connection.
func (c *Controller) Stop() error {
	err := multierr.Combine(c.drive.Stop(), c.client.Disconnect())
	c.log("Rover stopped")
	return err
}

// Close stops the rover and releases the actuator port.
func (c *Controller) Close() error {
	err := c.Stop()
	if closer, ok := c.port.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return err
}

// publish refreshes the arm and sequence fields. It runs on the goroutine that
// executes commands.
func (c *Controller) publish() {
	joints := c.arm.Angles()
	sequences := c.interp.Store().Len()
	c.update(func(s *State) {
		s.Joints = joints
		s.Sequences = sequences
	})
}

func (c *Controller) setError(err error) {
	c.update(func(s *State) { s.Error = err })
}

func (c *Controller) onConnection(from, to transport.State) {
	c.log("Connection %s -> %s", from, to)
	c.update(func(s *State) { s.Connection = to })
}

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.Timestamp = time.Now()
	s := c.state
	c.mu.Unlock()
	c.sendState(s)
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

// tap forwards writes to the real port and reports drive changes to the
// controller.
type tap struct {
	robot.Port
	ctrl *Controller

	mu   sync.Mutex
	duty map[robot.DriveChannel]uint32
}

func (t *tap) SetDriveDuty(ch robot.DriveChannel, duty uint32) error {
	if err := t.Port.SetDriveDuty(ch, duty); err != nil {
		return err
	}
	t.mu.Lock()
	t.duty[ch] = duty
	left := int(t.duty[robot.LeftForward]) - int(t.duty[robot.LeftBackward])
	right := int(t.duty[robot.RightForward]) - int(t.duty[robot.RightBackward])
	t.mu.Unlock()

	t.ctrl.update(func(s *State) {
		s.Left = left
		s.Right = right
	})
	return nil
}
