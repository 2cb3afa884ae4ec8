// Package readings holds the latest value produced by each acquisition pipeline.
//
// Every field has exactly one writer. A Cell packs a write counter and the
// float32 value into one 64-bit word, so a reader always sees a value together
// with the version that produced it. There is no snapshot across cells.
package readings

import (
	"sync/atomic"

	"github.com/chewxy/math32"

	"github.com/thatsimonsguy/soil-monitor/internal/model"
)

type Cell struct {
	word atomic.Uint64
}

// Store publishes v and bumps the version.
func (c *Cell) Store(v float32) {
	for {
		old := c.word.Load()
		version := uint32(old>>32) + 1
		if version == 0 {
			version = 1 // zero means never written
		}
		next := uint64(version)<<32 | uint64(math32.Float32bits(v))
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// Load returns the latest value and its version. Version 0 means the cell has
// never been written and the value is 0.
func (c *Cell) Load() (float32, uint32) {
	w := c.word.Load()
	return math32.Float32frombits(uint32(w)), uint32(w >> 32)
}

func (c *Cell) Value() float32 {
	v, _ := c.Load()
	return v
}

func (c *Cell) Valid() bool {
	_, version := c.Load()
	return version != 0
}

type Latest struct {
	Moisture           Cell
	Temperature        Cell
	AverageTemperature Cell
	Humidity           Cell
	Distance           Cell
}

func New() *Latest {
	return &Latest{}
}

// Snapshot copies each cell independently.
func (l *Latest) Snapshot() model.Reading {
	return model.Reading{
		MoisturePercent:    l.Moisture.Value(),
		TemperatureC:       l.Temperature.Value(),
		AverageTemperature: l.AverageTemperature.Value(),
		HumidityPercent:    l.Humidity.Value(),
		DistanceCm:         l.Distance.Value(),
	}
}
