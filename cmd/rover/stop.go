package main

import (
	"fmt"
	"os"

	"github.com/gwillem/rover/pkg/hardware"
	"github.com/gwillem/rover/pkg/logging"
	"github.com/gwillem/rover/pkg/robot"
)

type StopCommand struct{}

func (c *StopCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	port, err := hardware.Open(cfg.Hardware, logger)
	if err != nil {
		return fmt.Errorf("open hardware: %w", err)
	}
	defer port.Close()

	drive := robot.NewDrive(port, cfg.Drive, logger)
	if err := drive.Stop(); err != nil {
		return fmt.Errorf("stop drive: %w", err)
	}

	fmt.Println(successStyle.Render("Drive stopped."))
	return nil
}
