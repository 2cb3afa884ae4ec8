package gpio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"

	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/pinctrl"
	"github.com/thatsimonsguy/soil-monitor/system/shutdown"
)

var safeMode bool

// Output is the part of periph's gpio.PinOut the controller needs.
type Output interface {
	Out(l gpio.Level) error
}

// Reader is implemented by outputs whose level can be read back.
type Reader interface {
	Read() gpio.Level
}

// Line is a named output with its active polarity.
type Line struct {
	Name string
	Pin  model.GPIOPin

	mu     sync.Mutex
	out    Output
	active bool
}

func NewLine(name string, pin model.GPIOPin, out Output) *Line {
	return &Line{Name: name, Pin: pin, out: out}
}

// Open returns the output for pin number on the chosen backend. fallback is
// used for the sim backend.
func Open(backend string, number int, fallback Output) Output {
	if backend == "pinctrl" {
		return pinctrl.Pin{Number: number}
	}
	return fallback
}

func SetSafeMode(enabled bool) {
	safeMode = enabled
}

var Activate = func(l *Line) {
	l.set(true)
}

var Deactivate = func(l *Line) {
	l.set(false)
}

func Toggle(l *Line) {
	l.mu.Lock()
	next := !l.active
	l.mu.Unlock()
	l.set(next)
}

var CurrentlyActive = func(l *Line) bool {
	if r, ok := l.out.(Reader); ok {
		return l.Pin.ActiveHigh == (r.Read() == gpio.High)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Line) set(active bool) {
	if safeMode {
		return
	}
	l.mu.Lock()
	err := l.out.Out(l.Pin.Level(active))
	if err == nil {
		l.active = active
	}
	l.mu.Unlock()
	if err != nil {
		shutdown.ShutdownWithError(err, fmt.Sprintf("Failed to drive pin %d (%s)", l.Pin.Number, l.Name))
	}
}

// ValidateStartupPins checks that every readable line starts inactive.
func ValidateStartupPins(lines ...*Line) error {
	for _, l := range lines {
		if _, ok := l.out.(Reader); !ok {
			log.Debug().Str("pin", l.Name).Msg("Skipping startup check for write-only pin")
			continue
		}
		if CurrentlyActive(l) {
			return fmt.Errorf("pin %d (%s) is in wrong state at startup (expected active=false)", l.Pin.Number, l.Name)
		}
	}
	return nil
}
