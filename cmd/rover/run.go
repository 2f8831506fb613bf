package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/rover/pkg/hardware"
	"github.com/gwillem/rover/pkg/logging"
	"github.com/gwillem/rover/pkg/teleop"
	"github.com/gwillem/rover/pkg/transport"
)

// Exit codes of the run command.
const (
	exitFailure          = 1
	exitRetriesExhausted = 2
	exitDisconnected     = 3
)

type RunCommand struct {
	Monitor bool   `short:"m" long:"monitor" description:"Show the live monitor"`
	Home    bool   `long:"home" description:"Move the arm to its home angles before connecting"`
	Address string `short:"a" long:"address" description:"Override the broker address"`
}

func (c *RunCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "Run 'rover setup' to create a configuration.")
		os.Exit(exitFailure)
	}
	if c.Address != "" {
		cfg.Broker.Address = c.Address
	}

	// The monitor owns the terminal, so logs only go to the log file.
	logger, err := logging.New(cfg.Log, !c.Monitor)
	if err != nil {
		return err
	}
	defer logger.Sync()

	port, err := hardware.Open(cfg.Hardware, logger)
	if err != nil {
		return fmt.Errorf("open hardware: %w", err)
	}

	ctrl, err := teleop.NewController(cfg, port, logger)
	if err != nil {
		port.Close()
		return fmt.Errorf("create controller: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("close controller", zap.Error(err))
		}
	}()

	if c.Home {
		if err := ctrl.Home(); err != nil {
			logger.Warn("home arm", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Monitor {
		err = runMonitor(ctx, ctrl)
	} else {
		err = ctrl.Start(ctx)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, transport.ErrRetriesExhausted):
		logger.Error("giving up on broker", zap.String("address", cfg.Broker.Address), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Could not connect to %s: %v\n", cfg.Broker.Address, err)
		exit(ctrl, logger, exitRetriesExhausted)
	case errors.Is(err, teleop.ErrDisconnected):
		logger.Error("broker connection lost", zap.String("address", cfg.Broker.Address))
		fmt.Fprintln(os.Stderr, "Broker connection lost.")
		exit(ctrl, logger, exitDisconnected)
	}
	return err
}

// exit releases the hardware and flushes the log before leaving with code,
// since os.Exit skips deferred calls.
func exit(ctrl io.Closer, logger *zap.Logger, code int) {
	shutdown(ctrl, logger)
	os.Exit(code)
}

func shutdown(ctrl io.Closer, logger *zap.Logger) {
	if err := ctrl.Close(); err != nil {
		logger.Warn("close controller", zap.Error(err))
	}
	_ = logger.Sync()
}

// runMonitor runs the controller and the monitor TUI side by side. Quitting the
// TUI stops the controller; the controller exiting closes the TUI.
func runMonitor(ctx context.Context, ctrl *teleop.Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	p := tea.NewProgram(newMonitorModel(ctrl), tea.WithAltScreen(), tea.WithContext(gctx))

	g.Go(func() error {
		return ctrl.Start(gctx)
	})
	g.Go(func() error {
		_, err := p.Run()
		cancel()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	})
	return g.Wait()
}
