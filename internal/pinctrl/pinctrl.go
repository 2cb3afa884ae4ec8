// Package pinctrl drives Raspberry Pi header pins through the pinctrl tool.
package pinctrl

import (
	"fmt"
	"os/exec"
	"strings"

	"periph.io/x/conn/v3/gpio"
)

// run executes the pinctrl tool and returns its combined output.
var run = func(args ...string) ([]byte, error) {
	return exec.Command("pinctrl", args...).CombinedOutput()
}

// ReadLevel performs a fast read of the logic level of a pin using `pinctrl lev <pin>`
func ReadLevel(pin int) (bool, error) {
	out, err := run("lev", fmt.Sprint(pin))
	if err != nil {
		return false, fmt.Errorf("failed to read level for pin %d: %w", pin, err)
	}
	return parseLevelOutput(string(out))
}

func parseLevelOutput(output string) (bool, error) {
	trimmed := strings.TrimSpace(output)
	switch trimmed {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected output from pinctrl lev: %q", trimmed)
	}
}

// SetPin applies one or more pinctrl set options to the specified GPIO pin
// Example: SetPin(10, "op", "pn", "dh") sets pin 10 as output, no pull, drive high
func SetPin(pin int, opts ...string) error {
	args := append([]string{"set", fmt.Sprint(pin)}, opts...)
	out, err := run(args...)
	if err != nil {
		return fmt.Errorf("pinctrl set failed: %s (output: %s)", err, string(out))
	}
	return nil
}

// Pin drives a single GPIO as an output through pinctrl.
type Pin struct {
	Number int
}

func (p Pin) Out(l gpio.Level) error {
	drive := "dl"
	if l == gpio.High {
		drive = "dh"
	}
	return SetPin(p.Number, "op", "pn", drive)
}

// Read returns the current level, or Low when it cannot be read.
func (p Pin) Read() gpio.Level {
	level, err := ReadLevel(p.Number)
	if err != nil {
		return gpio.Low
	}
	return gpio.Level(level)
}

func (p Pin) String() string {
	return fmt.Sprintf("GPIO%d", p.Number)
}
