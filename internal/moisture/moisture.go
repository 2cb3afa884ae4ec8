// Package moisture samples the soil probe and drives the pump decision.
//
// Sampling is split in two stages. HandleConversion runs in interrupt context:
// it scales the raw code to a voltage, acknowledges the converter and pushes
// the voltage onto a bounded queue without blocking. RunSoft pops voltages at
// task level, converts them to a moisture percentage and applies the pump
// decision.
package moisture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/pump"
	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
)

const DefaultQueueDepth = 4

var ErrNoSignal = errors.New("moisture: probe voltage out of range")

// ADC is a converter that raises an interrupt when a conversion completes.
type ADC interface {
	Attach(handler func())
	Start() error
	Result() uint16
	Acknowledge()
}

type Reservoir interface {
	Adequate() bool
}

type Pump interface {
	Apply(state model.PumpState)
}

type Config struct {
	VRef         float32
	FullScale    float32
	K1           float32
	K2           float32
	DryThreshold float32
	QueueDepth   int
}

type Pipeline struct {
	adc       ADC
	latest    *readings.Latest
	reservoir Reservoir
	pump      Pump
	cfg       Config

	samples chan float32
	drops   atomic.Uint64
}

func New(adc ADC, latest *readings.Latest, reservoir Reservoir, p Pump, cfg Config) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	pl := &Pipeline{
		adc:       adc,
		latest:    latest,
		reservoir: reservoir,
		pump:      p,
		cfg:       cfg,
		samples:   make(chan float32, cfg.QueueDepth),
	}
	adc.Attach(pl.HandleConversion)
	return pl
}

// HandleConversion is the conversion-complete interrupt handler.
func (p *Pipeline) HandleConversion() {
	v := Voltage(p.adc.Result(), p.cfg.VRef, p.cfg.FullScale)
	p.adc.Acknowledge()
	select {
	case p.samples <- v:
	default:
		p.drops.Add(1)
	}
}

// Drops returns how many conversions were lost to a full queue.
func (p *Pipeline) Drops() uint64 {
	return p.drops.Load()
}

// Run starts a conversion on every post to wake.
func (p *Pipeline) Run(ctx context.Context, wake *signal.Semaphore) {
	log.Info().Str("pipeline", "moisture").Msg("Starting moisture sampler")
	for {
		if err := wake.Pend(ctx); err != nil {
			return
		}
		if err := p.adc.Start(); err != nil {
			log.Warn().Err(err).Str("pipeline", "moisture").Msg("Failed to start conversion")
		}
	}
}

// RunSoft is the deferred stage. It is the only consumer of the queue.
func (p *Pipeline) RunSoft(ctx context.Context) {
	log.Info().Str("pipeline", "moisture").Msg("Starting moisture soft stage")
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-p.samples:
			if drops := p.drops.Load(); drops != reported {
				datadog.Gauge("moisture.isr_drops", float64(drops))
				log.Warn().Uint64("drops", drops).Msg("Moisture samples dropped by interrupt stage")
				reported = drops
			}
			if err := p.Process(v); err != nil {
				datadog.Count("cycle.abandoned", 1, "pipeline:moisture")
				log.Warn().Err(err).Float32("voltage", v).Msg("Moisture cycle abandoned")
			}
		}
	}
}

// Process converts one voltage, stores it and applies the pump decision.
func (p *Pipeline) Process(voltage float32) error {
	pct := Percent(voltage, p.cfg.K1, p.cfg.K2)
	if math32.IsInf(pct, 0) || math32.IsNaN(pct) {
		return ErrNoSignal
	}
	p.latest.Moisture.Store(pct)

	adequate := p.reservoir.Adequate()
	state := pump.Decide(pct, adequate, p.cfg.DryThreshold)
	p.pump.Apply(state)

	log.Debug().
		Float32("voltage", voltage).
		Float32("moisture", pct).
		Bool("reservoir_adequate", adequate).
		Str("pump", string(state)).
		Msg("Moisture sampled")
	return nil
}

// Voltage scales a raw converter code against the reference voltage.
func Voltage(raw uint16, vref, fullScale float32) float32 {
	return vref / fullScale * float32(raw)
}

// Percent applies the probe's inverse calibration curve.
func Percent(voltage, k1, k2 float32) float32 {
	return ((1/voltage)*k1 - k2) * 100
}
