package robot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/gwillem/rover/pkg/logging"
)

const DefaultConfigFile = "rover.json"

// Hardware backends.
const (
	BackendFake    = "fake"
	BackendSerial  = "serial"
	BackendFeetech = "feetech"
)

// Config holds the rover configuration
type Config struct {
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Topics   TopicConfig    `json:"topics" yaml:"topics"`
	Joints   Calibration    `json:"joints" yaml:"joints"`
	Drive    DriveConfig    `json:"drive" yaml:"drive"`
	Hardware HardwareConfig `json:"hardware" yaml:"hardware"`
	Log      logging.Config `json:"log" yaml:"log"`
}

// BrokerConfig holds the connection settings for the command broker
type BrokerConfig struct {
	// Address is host:port, tcp://host:port or a ws:// URL
	Address     string   `json:"address" yaml:"address"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Duration `json:"backoff" yaml:"backoff"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`
}

// TopicConfig describes the robot identity within the topic namespace
type TopicConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Robot  string `json:"robot" yaml:"robot"`
	Node   string `json:"node" yaml:"node"`
}

// DriveConfig holds drive train tuning
type DriveConfig struct {
	MaxPWM     int      `json:"max_pwm" yaml:"max_pwm"`
	Correction float64  `json:"correction" yaml:"correction"`
	ArmSettle  Duration `json:"arm_settle" yaml:"arm_settle"`
}

// HardwareConfig selects and configures the actuator backend
type HardwareConfig struct {
	Backend     string            `json:"backend" yaml:"backend"`
	SerialPort  string            `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Baud        int               `json:"baud,omitempty" yaml:"baud,omitempty"`
	FeetechPort string            `json:"feetech_port,omitempty" yaml:"feetech_port,omitempty"`
	FeetechIDs  map[JointName]int `json:"feetech_ids,omitempty" yaml:"feetech_ids,omitempty"`
}

// DefaultConfig returns the configuration of the reference rover.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Address:     "192.168.1.101:5051",
			MaxAttempts: 5,
			Backoff:     Duration(3 * time.Second),
			DialTimeout: Duration(10 * time.Second),
			ReadTimeout: Duration(time.Second),
		},
		Topics: TopicConfig{
			Prefix: "UDFJC/emb1",
			Robot:  "robot6",
			Node:   "RPi",
		},
		Joints: DefaultCalibration(),
		Drive: DriveConfig{
			MaxPWM:     DefaultMaxPWM,
			Correction: DefaultCorrection,
			ArmSettle:  Duration(100 * time.Millisecond),
		},
		Hardware: HardwareConfig{
			Backend: BackendFake,
			Baud:    115200,
			FeetechIDs: map[JointName]int{
				Base:     1,
				Shoulder: 2,
				Elbow:    3,
			},
		},
		Log: logging.Config{Level: "info"},
	}
}

// Subscriptions returns the topics of this robot: its own state and sequence
// topics followed by the wildcard variants.
func (c *Config) Subscriptions() []string {
	own := strings.Join([]string{c.Topics.Prefix, c.Topics.Robot, c.Topics.Node}, "/")
	wild := strings.Join([]string{c.Topics.Prefix, "+", c.Topics.Node}, "/")
	return []string{
		own + "/state",
		own + "/sequence",
		wild + "/state",
		wild + "/sequence",
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.Broker.Address == "" {
		err = multierr.Append(err, errors.New("broker.address is required"))
	}
	if c.Broker.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.max_attempts must be positive"))
	}
	if c.Topics.Prefix == "" || c.Topics.Robot == "" || c.Topics.Node == "" {
		err = multierr.Append(err, errors.New("topics.prefix, topics.robot and topics.node are required"))
	}
	if c.Drive.MaxPWM <= 0 {
		err = multierr.Append(err, errors.New("drive.max_pwm must be positive"))
	}
	switch c.Hardware.Backend {
	case BackendFake:
	case BackendSerial:
		if c.Hardware.SerialPort == "" {
			err = multierr.Append(err, errors.New("hardware.serial_port is required for the serial backend"))
		}
	case BackendFeetech:
		if c.Hardware.SerialPort == "" || c.Hardware.FeetechPort == "" {
			err = multierr.Append(err, errors.New("hardware.serial_port and hardware.feetech_port are required for the feetech backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown hardware.backend %q", c.Hardware.Backend))
	}
	if jerr := c.Joints.Validate(); jerr != nil {
		err = multierr.Append(err, jerr)
	}
	return err
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a JSON or YAML file. Settings missing
// from the file keep their default values. A missing file yields the defaults.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if isYAML(path) {
		err = unmarshalYAML(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// unmarshalYAML decodes strictly on top of cfg. Strict mode rejects keys already
// present in a map, so the default maps are decoded empty and refilled
// afterwards for the keys the file leaves out.
func unmarshalYAML(data []byte, cfg *Config) error {
	joints, ids := cfg.Joints, cfg.Hardware.FeetechIDs
	cfg.Joints, cfg.Hardware.FeetechIDs = nil, nil
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return err
	}
	cfg.Joints = mergeDefaults(cfg.Joints, joints)
	cfg.Hardware.FeetechIDs = mergeDefaults(cfg.Hardware.FeetechIDs, ids)
	return nil
}

func mergeDefaults[K comparable, V any](got, defaults map[K]V) map[K]V {
	if got == nil {
		return defaults
	}
	for k, v := range defaults {
		if _, ok := got[k]; !ok {
			got[k] = v
		}
	}
	return got
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Duration is a time.Duration that reads as "1.5s" or as a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}
