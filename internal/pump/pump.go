// Package pump decides and drives the irrigation pump relay.
package pump

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/gpio"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
)

// Decide turns the pump on only when the soil is drier than dryThreshold and
// the reservoir has water. It keeps no history.
func Decide(moisturePercent float32, reservoirAdequate bool, dryThreshold float32) model.PumpState {
	if moisturePercent < dryThreshold && reservoirAdequate {
		return model.PumpOn
	}
	return model.PumpOff
}

// Actuator drives the relay line, touching the pin only on changes.
type Actuator struct {
	line *gpio.Line

	mu      sync.Mutex
	state   model.PumpState
	applied bool
}

func NewActuator(line *gpio.Line) *Actuator {
	return &Actuator{line: line, state: model.PumpOff}
}

// Apply records state and drives the relay when it differs from the last
// applied state. The line is written outside the lock: a failed write shuts
// down, and shutdown re-enters through the Off hook.
func (a *Actuator) Apply(state model.PumpState) {
	datadog.Gauge("pump.on", datadog.Bool(state.On()))

	a.mu.Lock()
	if a.applied && state == a.state {
		a.mu.Unlock()
		return
	}
	a.state = state
	a.applied = true
	a.mu.Unlock()

	// a concurrent Apply may have recorded a newer state while we were writing
	for {
		a.drive(state)

		a.mu.Lock()
		latest := a.state
		a.mu.Unlock()
		if latest == state {
			return
		}
		state = latest
	}
}

func (a *Actuator) drive(state model.PumpState) {
	if state.On() {
		log.Info().Str("device", a.line.Name).Msg("Activating pump")
		gpio.Activate(a.line)
	} else {
		log.Info().Str("device", a.line.Name).Msg("Deactivating pump")
		gpio.Deactivate(a.line)
	}
}

func (a *Actuator) State() model.PumpState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Off forces the relay off regardless of the last applied state.
func (a *Actuator) Off() {
	a.mu.Lock()
	a.applied = false
	a.mu.Unlock()
	a.Apply(model.PumpOff)
}
