package command

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/robot"
)

// Offsets between the operator's angle space and the arm's joint space.
const (
	shoulderOffset = -50
	elbowOffset    = 60
)

// Interpreter executes messages against the arm and drive. Execution is
// synchronous: Handle returns only after the command's duration has elapsed and
// the drive has been stopped.
type Interpreter struct {
	arm    *robot.Arm
	drive  *robot.Drive
	store  *Store
	clock  clock.Clock
	settle time.Duration
	logger *zap.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithClock sets the clock used for settle and duration waits.
func WithClock(c clock.Clock) Option {
	return func(in *Interpreter) { in.clock = c }
}

// WithSettle sets the pause between moving the arm and starting the drive.
func WithSettle(d time.Duration) Option {
	return func(in *Interpreter) { in.settle = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithStore sets the sequence store.
func WithStore(s *Store) Option {
	return func(in *Interpreter) { in.store = s }
}

// NewInterpreter creates an interpreter driving arm and drive.
func NewInterpreter(arm *robot.Arm, drive *robot.Drive, opts ...Option) *Interpreter {
	in := &Interpreter{
		arm:    arm,
		drive:  drive,
		store:  NewStore(),
		clock:  clock.New(),
		settle: 100 * time.Millisecond,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.Named("interpreter")
	return in
}

// Store returns the sequence store.
func (in *Interpreter) Store() *Store {
	return in.store
}

// Handle processes one message. Failures, including panics, are logged and
// returned; they never affect later messages. Unknown messages are ignored.
func (in *Interpreter) Handle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %T: %v", msg, r)
			in.logger.Error("message failed", zap.Error(err))
		}
	}()

	switch m := msg.(type) {
	case StateCommand:
		return in.Execute(ctx, m)

	case SequenceCreate:
		in.store.Put(Sequence{Name: m.Name, States: m.States})
		in.logger.Info("sequence created", zap.String("name", m.Name), zap.Int("states", len(m.States)))
		return nil

	case SequenceExecute:
		return in.play(ctx, m.Name)

	case Unknown:
		in.logger.Debug("ignoring message", zap.String("topic", m.Topic), zap.String("action", m.Action))
		return nil

	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
}

func (in *Interpreter) play(ctx context.Context, name string) error {
	seq, ok := in.store.Get(name)
	if !ok {
		in.logger.Warn("sequence not found", zap.String("name", name))
		return fmt.Errorf("%w: %q", ErrSequenceNotFound, name)
	}

	in.logger.Info("executing sequence", zap.String("name", name), zap.Int("states", len(seq.States)))
	for i, state := range seq.States {
		in.logger.Debug("sequence step", zap.String("name", name), zap.Int("step", i+1), zap.Int("of", len(seq.States)))
		if err := in.Execute(ctx, state); err != nil {
			return fmt.Errorf("sequence %q step %d: %w", name, i+1, err)
		}
	}
	in.logger.Info("sequence completed", zap.String("name", name))
	return nil
}

// Execute runs one state command: position the arm, wait for it to settle,
// drive for the command's duration, then stop the drive. Joints out of range are
// skipped without aborting the command.
func (in *Interpreter) Execute(ctx context.Context, cmd StateCommand) error {
	in.logger.Info("executing state",
		zap.Float64("v", cmd.V),
		zap.Float64("w", cmd.W),
		zap.Float64("alfa0", cmd.Alfa0),
		zap.Float64("alfa1", cmd.Alfa1),
		zap.Float64("alfa2", cmd.Alfa2),
		zap.Duration("duration", cmd.Duration))

	if err := in.arm.Apply(cmd.Alfa0, cmd.Alfa1+shoulderOffset, cmd.Alfa2+elbowOffset); err != nil {
		in.logger.Debug("arm partially applied", zap.Error(err))
	}
	in.sleep(ctx, in.settle)

	left, right := in.drive.FromVelocities(cmd.V, cmd.W)
	if err := in.drive.SetPWM(left, right); err != nil {
		in.logger.Error("set drive", zap.Error(err))
	}

	in.sleep(ctx, cmd.Duration)
	if err := in.drive.Stop(); err != nil {
		return fmt.Errorf("stop drive: %w", err)
	}
	return ctx.Err()
}

// sleep waits d. Only cancellation of ctx, which happens on process shutdown,
// cuts it short.
func (in *Interpreter) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-in.clock.After(d):
	case <-ctx.Done():
	}
}
