package model

import "periph.io/x/conn/v3/gpio"

type PumpState string

const (
	PumpOff PumpState = "off"
	PumpOn  PumpState = "on"
)

func (p PumpState) On() bool {
	return p == PumpOn
}

type GPIOPin struct {
	Number     int
	ActiveHigh bool
}

// Level returns the electrical level that puts the pin in the requested logical state.
func (p GPIOPin) Level(active bool) gpio.Level {
	return gpio.Level(p.ActiveHigh == active)
}

// Reading is a point-in-time copy of every latest-value cell. Fields are read
// independently, so two fields may come from different acquisition cycles.
type Reading struct {
	MoisturePercent    float32
	TemperatureC       float32
	AverageTemperature float32
	HumidityPercent    float32
	DistanceCm         float32
}

// Handshake records the one-time sensor bring-up for this boot.
type Handshake struct {
	StatusChecked bool
	Initialized   bool
}
