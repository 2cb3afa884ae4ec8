// Package telemetry reports the smoothed readings over the serial link.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
)

// Format renders one telemetry line.
func Format(avgTemp, humidity float32) string {
	return fmt.Sprintf("Temp: %.3f Hum: %.3f\n", avgTemp, humidity)
}

type Emitter struct {
	out    io.Writer
	latest *readings.Latest
}

func New(out io.Writer, latest *readings.Latest) *Emitter {
	return &Emitter{out: out, latest: latest}
}

// Emit writes the current line. The writer may block; a failed write is not
// retried.
func (e *Emitter) Emit() error {
	snap := e.latest.Snapshot()
	if _, err := io.WriteString(e.out, Format(snap.AverageTemperature, snap.HumidityPercent)); err != nil {
		return err
	}

	gauge("moisture.percent", &e.latest.Moisture)
	gauge("temperature.c", &e.latest.Temperature)
	gauge("temperature.avg_c", &e.latest.AverageTemperature)
	gauge("humidity.percent", &e.latest.Humidity)
	gauge("reservoir.distance_cm", &e.latest.Distance)
	return nil
}

func gauge(name string, c *readings.Cell) {
	if v, version := c.Load(); version != 0 {
		datadog.Gauge(name, float64(v))
	}
}

func (e *Emitter) Run(ctx context.Context, wake *signal.Semaphore) {
	log.Info().Str("pipeline", "telemetry").Msg("Starting telemetry emitter")
	for {
		if err := wake.Pend(ctx); err != nil {
			return
		}
		if err := e.Emit(); err != nil {
			log.Warn().Err(err).Str("pipeline", "telemetry").Msg("Telemetry line dropped")
		}
	}
}
