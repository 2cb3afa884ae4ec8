package sim

import (
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const (
	probeK1  = 2.48
	probeK2  = 0.72
	probeRef = 3.0
)

// Board bundles one of each simulated peripheral the controller uses.
type Board struct {
	Bus        *TwoWire
	Sensor     *DHT20
	ADC        *ADC
	Ultrasonic *Ultrasonic
	PumpRelay  *Pin
	Heartbeat  *Pin

	pumpActiveHigh bool
}

func NewBoard() *Board {
	sensor := NewDHT20(false)
	return &Board{
		Bus:            NewTwoWire(sensor),
		Sensor:         sensor,
		ADC:            NewADC(50 * time.Microsecond),
		Ultrasonic:     NewUltrasonic(time.Millisecond),
		PumpRelay:      NewPin("pump-relay"),
		Heartbeat:      NewPin("heartbeat"),
		pumpActiveHigh: true,
	}
}

// SetPumpActiveHigh selects the relay polarity. An active-low relay idles
// high so the pump starts off.
func (b *Board) SetPumpActiveHigh(activeHigh bool) {
	b.pumpActiveHigh = activeHigh
	b.PumpRelay.Preset(gpio.Level(!activeHigh))
}

// PumpRunning reports whether the relay is at its active level.
func (b *Board) PumpRunning() bool {
	return b.PumpRelay.Read() == gpio.Level(b.pumpActiveHigh)
}

// Garden is a crude plant bed model: the soil dries over time, the pump wets
// it and lowers the water surface measured by the ultrasonic module.
type Garden struct {
	mu    sync.Mutex
	board *Board

	MoisturePercent float64
	WaterCm         float64
	TempC           float64
	HumidityPercent float64

	DryingPerStep   float64
	WateringPerStep float64
	DrawPerStep     float64
	steps           int
}

func NewGarden(b *Board) *Garden {
	g := &Garden{
		board:           b,
		MoisturePercent: 35,
		WaterCm:         30,
		TempC:           21,
		HumidityPercent: 45,
		DryingPerStep:   0.5,
		WateringPerStep: 2,
		DrawPerStep:     0.5,
	}
	g.apply()
	return g
}

// Step advances the model once and updates the peripherals.
func (g *Garden) Step() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.steps++
	if g.board.PumpRunning() {
		g.MoisturePercent += g.WateringPerStep
		g.WaterCm = math.Max(0, g.WaterCm-g.DrawPerStep)
	} else {
		g.MoisturePercent = math.Max(1, g.MoisturePercent-g.DryingPerStep)
	}
	// slow daily-ish swing
	phase := float64(g.steps) / 20
	g.TempC = 21 + 3*math.Sin(phase)
	g.HumidityPercent = 45 - 5*math.Sin(phase)
	g.apply()
}

func (g *Garden) apply() {
	g.board.Sensor.SetEnvironment(g.HumidityPercent, g.TempC)
	g.board.Ultrasonic.SetDistance(g.WaterCm)
	// invert the probe curve: pct = ((1/v)*k1 - k2) * 100
	v := probeK1 / (g.MoisturePercent/100 + probeK2)
	g.board.ADC.SetVoltage(v, probeRef)
}

func (g *Garden) Snapshot() (moisture, waterCm, tempC, humidity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.MoisturePercent, g.WaterCm, g.TempC, g.HumidityPercent
}
