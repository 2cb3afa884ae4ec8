// Package ranging measures the reservoir water level with an ultrasonic
// time-of-flight module whose echo width is latched by a capture timer.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"

	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
)

// TicksPerCm is the capture timer ticks per centimetre of round trip.
const TicksPerCm = 5800

var ErrNoEcho = errors.New("ranging: no echo captured")

// Output is the trigger pin.
type Output interface {
	Out(l gpio.Level) error
}

// Capture is a dual-edge capture channel on the echo input.
type Capture interface {
	// Attach installs the capture-complete interrupt handler.
	Attach(handler func())
	// Arm enables one capture and returns its sequence number.
	Arm() uint32
	// Captured returns the latched pulse width in ticks and the sequence
	// number of the arm it belongs to.
	Captured() (ticks, seq uint32)
	ClearFlags()
}

type Config struct {
	TriggerPulse time.Duration
	EchoTimeout  time.Duration
	TicksPerCm   float32
	LowWaterCm   float32
}

// pulse holds the trigger high for d.
var pulse = time.Sleep

type Pipeline struct {
	trig    Output
	capture Capture
	latest  *readings.Latest
	cfg     Config

	echo *signal.Semaphore

	// sample packs the capture sequence in the high word and ticks in the low.
	sample atomic.Uint64
}

func New(trig Output, c Capture, latest *readings.Latest, cfg Config) *Pipeline {
	if cfg.TicksPerCm <= 0 {
		cfg.TicksPerCm = TicksPerCm
	}
	p := &Pipeline{
		trig:    trig,
		capture: c,
		latest:  latest,
		cfg:     cfg,
		echo:    signal.New(0),
	}
	c.Attach(p.HandleCapture)
	return p
}

// HandleCapture runs in interrupt context: latch the sample, clear the
// capture flags and hand off to the ranging task.
func (p *Pipeline) HandleCapture() {
	ticks, seq := p.capture.Captured()
	p.sample.Store(uint64(seq)<<32 | uint64(ticks))
	p.capture.ClearFlags()
	p.echo.Post()
}

// Measure fires one trigger pulse and stores the resulting distance.
func (p *Pipeline) Measure(ctx context.Context) error {
	p.echo.Drain()
	seq := p.capture.Arm()

	if err := p.trig.Out(gpio.High); err != nil {
		return fmt.Errorf("trigger high: %w", err)
	}
	pulse(p.cfg.TriggerPulse)
	if err := p.trig.Out(gpio.Low); err != nil {
		return fmt.Errorf("trigger low: %w", err)
	}

	ticks, err := p.awaitEcho(ctx, seq)
	if err != nil {
		return err
	}
	cm := Convert(ticks, p.cfg.TicksPerCm)
	p.latest.Distance.Store(cm)

	log.Debug().
		Uint32("ticks", ticks).
		Float32("distance_cm", cm).
		Bool("adequate", Adequate(cm, p.cfg.LowWaterCm)).
		Msg("Reservoir ranged")
	return nil
}

// awaitEcho waits for the capture armed as seq. Echoes of earlier triggers
// that complete after their cycle timed out are discarded.
func (p *Pipeline) awaitEcho(ctx context.Context, seq uint32) (uint32, error) {
	deadline := time.Now().Add(p.cfg.EchoTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrNoEcho
		}
		if err := p.echo.PendTimeout(ctx, remaining); err != nil {
			if errors.Is(err, signal.ErrTimeout) {
				return 0, ErrNoEcho
			}
			return 0, err
		}
		sample := p.sample.Load()
		if uint32(sample>>32) == seq {
			return uint32(sample), nil
		}
		log.Debug().
			Uint32("seq", uint32(sample>>32)).
			Uint32("want", seq).
			Msg("Discarding late echo")
	}
}

// Adequate reports whether the last stored distance leaves enough water.
// Before the first successful measurement the reservoir is not adequate.
func (p *Pipeline) Adequate() bool {
	cm, version := p.latest.Distance.Load()
	if version == 0 {
		return false
	}
	return Adequate(cm, p.cfg.LowWaterCm)
}

func (p *Pipeline) Run(ctx context.Context, wake *signal.Semaphore) {
	log.Info().Str("pipeline", "ranging").Msg("Starting ranging pipeline")
	for {
		if err := wake.Pend(ctx); err != nil {
			return
		}
		if err := p.Measure(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			datadog.Count("cycle.abandoned", 1, "pipeline:ranging")
			log.Warn().Err(err).Str("pipeline", "ranging").Msg("Ranging cycle abandoned")
		}
	}
}

// Distance converts a round-trip echo width to centimetres.
func Distance(ticks uint32) float32 {
	return Convert(ticks, TicksPerCm)
}

func Convert(ticks uint32, ticksPerCm float32) float32 {
	return float32(ticks) / ticksPerCm / 2
}

// Adequate is false at or below the low-water threshold.
func Adequate(distanceCm, lowWaterCm float32) bool {
	return distanceCm > lowWaterCm
}
