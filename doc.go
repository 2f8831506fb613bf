// Package rover is the command-and-control core of a networked mobile robot
// with a differential drive and a three joint arm.
//
// The rover connects to a message broker, subscribes to its state and
// sequence topics and executes every command it receives: the arm moves to
// the requested angles, the wheels drive at the requested linear and angular
// velocity for the requested duration, then stop. Named sequences of commands
// can be stored and replayed.
//
// # Installation
//
//	go install github.com/gwillem/rover/cmd/rover@latest
//
// # Usage
//
// First, write a configuration file:
//
//	rover setup
//
// Then start the rover, optionally with the live monitor:
//
//	rover run --monitor
//
// Stop all drive outputs at any time with:
//
//	rover stop
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/rover: CLI with setup, run and stop commands
//   - pkg/robot: Arm and drive actuation, calibration, and configuration
//   - pkg/hardware: Actuator ports (serial PWM bridge, feetech servos, fake)
//   - pkg/command: Message parsing, sequence store, and interpreter
//   - pkg/transport: Broker client over TCP or WebSocket
//   - pkg/teleop: Controller that ties the broker session to the interpreter
//   - pkg/logging: Logger construction
package rover
