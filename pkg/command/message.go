// Package command turns broker messages into rover actions. Frames are parsed
// into typed messages at the boundary; the Interpreter executes state commands
// and records and replays named sequences.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Topic markers and sequence actions.
const (
	StateMarker    = "state"
	SequenceMarker = "sequence"

	ActionCreate     = "create"
	ActionExecuteNow = "execute_now"

	unnamedSequence = "unnamed"
)

// ErrMalformed is returned for frames that are not a valid message.
var ErrMalformed = errors.New("malformed message")

// Message is a parsed broker message: StateCommand, SequenceCreate,
// SequenceExecute or Unknown.
type Message interface {
	Kind() string
}

// StateCommand is one motion and pose instruction. V and W are linear and
// angular velocity in [-10, 10]; Alfa0..Alfa2 are arm angles in degrees as sent
// by the operator.
type StateCommand struct {
	V        float64
	W        float64
	Alfa0    float64
	Alfa1    float64
	Alfa2    float64
	Duration time.Duration
}

// DefaultStateCommand returns the values used for absent fields.
func DefaultStateCommand() StateCommand {
	return StateCommand{
		V:        0,
		W:        0,
		Alfa0:    0,
		Alfa1:    50,
		Alfa2:    110,
		Duration: time.Second,
	}
}

// SequenceCreate stores a named list of state commands.
type SequenceCreate struct {
	Name   string
	States []StateCommand
}

// SequenceExecute replays a stored sequence.
type SequenceExecute struct {
	Name string
}

// Unknown is any message the rover does not act on.
type Unknown struct {
	Topic  string
	Action string
}

func (StateCommand) Kind() string    { return "state" }
func (SequenceCreate) Kind() string  { return "sequence_create" }
func (SequenceExecute) Kind() string { return "sequence_execute" }
func (Unknown) Kind() string         { return "unknown" }

type envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Parse decodes one frame. A topic containing "state" yields a StateCommand; a
// topic containing "sequence" yields SequenceCreate or SequenceExecute
// depending on data.action. Everything else is Unknown. Invalid or absent
// numeric fields take their default value.
func Parse(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	data, err := objectOf(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}

	switch {
	case strings.Contains(env.Topic, StateMarker):
		return stateFrom(data), nil

	case strings.Contains(env.Topic, SequenceMarker):
		action := stringField(data, "action", "")
		switch action {
		case ActionCreate:
			return sequenceFrom(data["sequence"])
		case ActionExecuteNow:
			return SequenceExecute{Name: stringField(data, "name", "")}, nil
		}
		return Unknown{Topic: env.Topic, Action: action}, nil
	}

	return Unknown{Topic: env.Topic}, nil
}

func objectOf(raw json.RawMessage) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func stateFrom(data map[string]interface{}) StateCommand {
	def := DefaultStateCommand()
	cmd := StateCommand{
		V:     floatField(data, "v", def.V),
		W:     floatField(data, "w", def.W),
		Alfa0: floatField(data, "alfa0", def.Alfa0),
		Alfa1: floatField(data, "alfa1", def.Alfa1),
		Alfa2: floatField(data, "alfa2", def.Alfa2),
	}
	seconds := floatField(data, "duration", def.Duration.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	cmd.Duration = time.Duration(seconds * float64(time.Second))
	return cmd
}

func sequenceFrom(raw interface{}) (Message, error) {
	seq, ok := raw.(map[string]interface{})
	if !ok {
		seq = map[string]interface{}{}
	}

	create := SequenceCreate{Name: stringField(seq, "name", unnamedSequence)}

	states, _ := seq["states"].([]interface{})
	for i, s := range states {
		data, ok := s.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: sequence %q state %d is not an object", ErrMalformed, create.Name, i)
		}
		create.States = append(create.States, stateFrom(data))
	}
	return create, nil
}

func floatField(data map[string]interface{}, key string, def float64) float64 {
	v, ok := data[key]
	if !ok || v == nil {
		return def
	}
	if _, isBool := v.(bool); isBool {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

func stringField(data map[string]interface{}, key, def string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}
