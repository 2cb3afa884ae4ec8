// Package scheduler turns a periodic tick into the wake-up signals of the
// acquisition pipelines.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/signal"
)

// Cadence is how many ticks separate consecutive wake-ups of each pipeline.
type Cadence struct {
	Moisture    uint16
	Environment uint16
	Ranging     uint16
}

type Targets struct {
	Moisture    *signal.Semaphore
	Environment *signal.Semaphore
	Ranging     *signal.Semaphore
	// Heartbeat is toggled on the moisture cadence. Optional.
	Heartbeat func()
}

// Orchestrator keeps a wrapping 16-bit tick counter. Periods are measured by
// wrapping subtraction from the last firing, so the counter overflowing does
// not shorten or skip a period.
type Orchestrator struct {
	cad     Cadence
	targets Targets

	mu              sync.Mutex
	ticks           uint16
	started         bool
	lastMoisture    uint16
	lastEnvironment uint16
	lastRanging     uint16
}

func New(cad Cadence, targets Targets) *Orchestrator {
	if cad.Moisture == 0 {
		cad.Moisture = 100
	}
	if cad.Environment == 0 {
		cad.Environment = cad.Moisture
	}
	if cad.Ranging == 0 {
		cad.Ranging = cad.Moisture
	}
	return &Orchestrator{cad: cad, targets: targets}
}

// Tick is the tick interrupt handler. It only posts signals.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	o.ticks++
	now := o.ticks

	// first tick: start the environment and ranging pipelines right away
	if !o.started {
		o.started = true
		o.lastMoisture = now - 1
		o.lastEnvironment = now
		o.lastRanging = now
		o.mu.Unlock()
		post(o.targets.Environment)
		post(o.targets.Ranging)
		return
	}

	fireMoisture := due(now, &o.lastMoisture, o.cad.Moisture)
	fireEnvironment := due(now, &o.lastEnvironment, o.cad.Environment)
	fireRanging := due(now, &o.lastRanging, o.cad.Ranging)
	o.mu.Unlock()

	if fireMoisture {
		post(o.targets.Moisture)
		if o.targets.Heartbeat != nil {
			o.targets.Heartbeat()
		}
	}
	if fireEnvironment {
		post(o.targets.Environment)
	}
	if fireRanging {
		post(o.targets.Ranging)
	}
}

func due(now uint16, last *uint16, period uint16) bool {
	if now-*last < period {
		return false
	}
	*last += period
	return true
}

func post(s *signal.Semaphore) {
	if s != nil {
		s.Post()
	}
}

func (o *Orchestrator) Ticks() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

// Run calls Tick for every value received from ticks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, ticks <-chan time.Time) {
	log.Info().
		Uint16("moisture_every", o.cad.Moisture).
		Uint16("environment_every", o.cad.Environment).
		Uint16("ranging_every", o.cad.Ranging).
		Msg("Starting tick orchestrator")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			o.Tick()
		}
	}
}
