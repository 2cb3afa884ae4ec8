package pump

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"periph.io/x/conn/v3/gpio"

	gpioline "github.com/thatsimonsguy/soil-monitor/internal/gpio"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
	"github.com/thatsimonsguy/soil-monitor/system/shutdown"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		moisture float32
		adequate bool
		want     model.PumpState
	}{
		{"dry with water", 20, true, model.PumpOn},
		{"dry without water", 20, false, model.PumpOff},
		{"wet with water", 40, true, model.PumpOff},
		{"wet without water", 40, false, model.PumpOff},
		{"at threshold", 30, true, model.PumpOff},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.moisture, tc.adequate, 30))
		})
	}
}

func TestActuator_WritesOnlyOnChange(t *testing.T) {
	gpioline.SetSafeMode(false)
	pin := sim.NewPin("pump")
	a := NewActuator(gpioline.NewLine("pump", model.GPIOPin{Number: 17, ActiveHigh: true}, pin))

	a.Apply(model.PumpOff)
	a.Apply(model.PumpOn)
	a.Apply(model.PumpOn)
	a.Apply(model.PumpOff)

	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low}, pin.History())
	assert.Equal(t, model.PumpOff, a.State())
}

func TestActuator_OffAlwaysWrites(t *testing.T) {
	gpioline.SetSafeMode(false)
	pin := sim.NewPin("pump")
	a := NewActuator(gpioline.NewLine("pump", model.GPIOPin{Number: 17, ActiveHigh: false}, pin))

	a.Apply(model.PumpOff)
	a.Off()

	assert.Equal(t, []gpio.Level{gpio.High, gpio.High}, pin.History())
}

// brokenRelay records every level it is asked to drive and fails each write.
type brokenRelay struct {
	mu     sync.Mutex
	levels []gpio.Level
}

func (b *brokenRelay) Out(l gpio.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels = append(b.levels, l)
	return errors.New("relay driver fault")
}

func (b *brokenRelay) attempts() []gpio.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpio.Level(nil), b.levels...)
}

func TestActuator_FailedWriteExitsThroughOffHook(t *testing.T) {
	gpioline.SetSafeMode(false)

	var mu sync.Mutex
	var codes []int
	prevExit := shutdown.ExitFunc
	shutdown.ExitFunc = func(code int) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	}
	t.Cleanup(func() { shutdown.ExitFunc = prevExit })

	relay := &brokenRelay{}
	a := NewActuator(gpioline.NewLine("pump", model.GPIOPin{Number: 17, ActiveHigh: true}, relay))
	shutdown.OnShutdown(a.Off)

	done := make(chan struct{})
	go func() {
		a.Apply(model.PumpOn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply did not return after a relay write failure")
	}

	mu.Lock()
	assert.Contains(t, codes, 1)
	mu.Unlock()

	attempts := relay.attempts()
	assert.Equal(t, gpio.High, attempts[0])
	assert.Equal(t, gpio.Low, attempts[len(attempts)-1], "off hook tried to release the relay")
	assert.Equal(t, model.PumpOff, a.State())
}
