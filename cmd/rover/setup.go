package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/rover/pkg/hardware"
	"github.com/gwillem/rover/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Rover Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━"))
	fmt.Println()

	// Start from the existing file so a rerun only changes what is asked
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ignoring unreadable %s: %v\n", opts.Config, err)
		cfg = robot.DefaultConfig()
	}

	ports, err := hardware.ListPorts()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
	}

	if err := askBroker(cfg); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if err := askHardware(cfg, ports); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Joint calibration ━━━"))
	fmt.Println()
	fmt.Println(renderCalibration(cfg.Joints))
	fmt.Println(dimStyle.Render("Edit the joints section of the file to change these."))

	if err := cfg.SaveTo(opts.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start the rover with: " + headerStyle.Render("rover run --monitor"))

	return nil
}

func askBroker(cfg *robot.Config) error {
	attempts := strconv.Itoa(cfg.Broker.MaxAttempts)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Broker address").
				Description("host:port, tcp://host:port or ws://host/path").
				Value(&cfg.Broker.Address).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("address is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Connection attempts").
				Value(&attempts).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 {
						return errors.New("enter a positive number")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Topic prefix").
				Value(&cfg.Topics.Prefix),
			huh.NewInput().
				Title("Robot identity").
				Description("Topic segment this rover answers to").
				Value(&cfg.Topics.Robot),
			huh.NewInput().
				Title("Node").
				Value(&cfg.Topics.Node),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Broker.Address = strings.TrimSpace(cfg.Broker.Address)
	cfg.Broker.MaxAttempts, _ = strconv.Atoi(attempts)
	return nil
}

func askHardware(cfg *robot.Config, ports []string) error {
	backend := cfg.Hardware.Backend
	if backend == "" {
		backend = robot.BackendFake
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Actuator backend").
				Options(
					huh.NewOption("Dry run (no hardware)", robot.BackendFake),
					huh.NewOption("Serial PWM bridge", robot.BackendSerial),
					huh.NewOption("Serial bridge for wheels, feetech servos for the arm", robot.BackendFeetech),
				).
				Value(&backend),
		),
		huh.NewGroup(
			portField("PWM bridge port", ports, &cfg.Hardware.SerialPort),
		).WithHideFunc(func() bool { return backend == robot.BackendFake }),
		huh.NewGroup(
			portField("Feetech bus port", ports, &cfg.Hardware.FeetechPort),
		).WithHideFunc(func() bool { return backend != robot.BackendFeetech }),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Hardware.Backend = backend
	return nil
}

// portField offers the detected serial ports, or free text when none were found.
func portField(title string, ports []string, value *string) huh.Field {
	var candidates []string
	for _, p := range ports {
		// Skip Bluetooth ports on macOS
		if !strings.Contains(p, "Bluetooth") {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return huh.NewInput().
			Title(title).
			Description("No serial ports detected; enter the device path").
			Value(value)
	}
	return huh.NewSelect[string]().
		Title(title).
		Options(huh.NewOptions(candidates...)...).
		Value(value)
}

func renderCalibration(cal robot.Calibration) string {
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	jointStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(cal))
	for _, name := range robot.AllJoints() {
		jc := cal[name]
		rows = append(rows, []string{
			string(name),
			fmt.Sprintf("%g", jc.Slope),
			fmt.Sprintf("%.0f", jc.Intercept),
			fmt.Sprintf("%g .. %g", jc.Min, jc.Max),
			fmt.Sprintf("%g", jc.Home),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Slope", "Intercept", "Range (°)", "Home").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case col == 0:
				return jointStyle
			default:
				return cellStyle
			}
		})
	return t.Render()
}
