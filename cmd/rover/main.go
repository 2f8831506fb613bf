package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/rover/pkg/robot"
)

type Options struct {
	Config string `short:"c" long:"config" default:"rover.json" description:"Configuration file (.json, .yaml or .yml)"`

	Setup SetupCommand `command:"setup" description:"Write a configuration file interactively"`
	Run   RunCommand   `command:"run" description:"Connect to the broker and execute commands"`
	Stop  StopCommand  `command:"stop" description:"Zero all drive outputs"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Rover - broker-controlled differential drive rover with a three joint arm"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*robot.Config, error) {
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", opts.Config, err)
	}
	return cfg, nil
}
