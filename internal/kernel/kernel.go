// Package kernel assembles the acquisition pipelines, the pump and the tick
// orchestrator around a board and runs them until cancelled.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"

	"github.com/thatsimonsguy/soil-monitor/internal/average"
	"github.com/thatsimonsguy/soil-monitor/internal/config"
	"github.com/thatsimonsguy/soil-monitor/internal/dht20"
	"github.com/thatsimonsguy/soil-monitor/internal/env"
	"github.com/thatsimonsguy/soil-monitor/internal/gpio"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/moisture"
	"github.com/thatsimonsguy/soil-monitor/internal/pump"
	"github.com/thatsimonsguy/soil-monitor/internal/ranging"
	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/scheduler"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
	"github.com/thatsimonsguy/soil-monitor/internal/telemetry"
	"github.com/thatsimonsguy/soil-monitor/internal/twowire"
	"github.com/thatsimonsguy/soil-monitor/system/shutdown"
)

// Board is the set of peripherals the kernel drives.
type Board struct {
	Bus       twowire.Controller
	ADC       moisture.ADC
	Capture   ranging.Capture
	Trigger   ranging.Output
	PumpRelay gpio.Output
	Heartbeat gpio.Output
}

// Simulated wires a simulated board.
func Simulated(b *sim.Board) Board {
	return Board{
		Bus:       b.Bus,
		ADC:       b.ADC,
		Capture:   b.Ultrasonic,
		Trigger:   b.Ultrasonic.TriggerPin(),
		PumpRelay: b.PumpRelay,
		Heartbeat: b.Heartbeat,
	}
}

type Option func(*Kernel)

// WithTelemetry sends telemetry lines to w instead of stdout.
func WithTelemetry(w io.Writer) Option {
	return func(k *Kernel) { k.out = w }
}

// WithTicks replaces the tick source, for driving the kernel by hand.
func WithTicks(ticks <-chan time.Time) Option {
	return func(k *Kernel) { k.ticks = ticks }
}

type Kernel struct {
	BootID string

	board Board
	cfg   *config.Config
	out   io.Writer
	ticks <-chan time.Time

	Latest    *readings.Latest
	Bus       *twowire.Engine
	Sensor    *dht20.Sensor
	Ranging   *ranging.Pipeline
	Moisture  *moisture.Pipeline
	Pump      *pump.Actuator
	Scheduler *scheduler.Orchestrator

	pumpLine      *gpio.Line
	heartbeatLine *gpio.Line
	wake          struct{ moisture, environment, ranging, telemetry *signal.Semaphore }
}

func New(board Board, cfg *config.Config, opts ...Option) *Kernel {
	k := &Kernel{
		BootID: env.BootID,
		board:  board,
		cfg:    cfg,
		out:    os.Stdout,
		Latest: readings.New(),
	}
	if k.BootID == "" {
		k.BootID = uuid.NewString()
	}
	for _, opt := range opts {
		opt(k)
	}

	t := cfg.Timing
	k.wake.moisture = signal.New(0)
	k.wake.environment = signal.New(0)
	k.wake.ranging = signal.New(0)
	k.wake.telemetry = signal.New(0)

	k.Bus = twowire.New(board.Bus, twowire.WithPollLimit(t.BusPollLimit), twowire.WithName("dht20-bus"))
	k.Sensor = dht20.New(k.Bus, k.Latest, average.New(cfg.Calibration.AverageWindow), dht20.Config{
		Address:        cfg.Sensor.Address,
		StartupDelay:   t.StartupDelay,
		StatusSettle:   t.StatusSettle,
		ResetSettle:    t.ResetSettle,
		MeasureSettle:  t.MeasureSettle,
		MeasurePoll:    t.MeasurePoll,
		MeasureRetries: t.MeasureRetries,
	})

	k.Ranging = ranging.New(board.Trigger, board.Capture, k.Latest, ranging.Config{
		TriggerPulse: t.TriggerPulse,
		EchoTimeout:  t.EchoTimeout,
		TicksPerCm:   cfg.Calibration.TicksPerCm,
		LowWaterCm:   cfg.Thresholds.LowWaterCm,
	})

	k.pumpLine = gpio.NewLine("pump_relay",
		model.GPIOPin{Number: *cfg.GPIO.PumpRelay, ActiveHigh: cfg.PumpActiveHigh},
		gpio.Open(cfg.GPIOBackend, *cfg.GPIO.PumpRelay, board.PumpRelay))
	k.heartbeatLine = gpio.NewLine("heartbeat",
		model.GPIOPin{Number: *cfg.GPIO.Heartbeat, ActiveHigh: true},
		gpio.Open(cfg.GPIOBackend, *cfg.GPIO.Heartbeat, board.Heartbeat))
	k.Pump = pump.NewActuator(k.pumpLine)

	k.Moisture = moisture.New(board.ADC, k.Latest, k.Ranging, k.Pump, moisture.Config{
		VRef:         cfg.Calibration.VRef,
		FullScale:    cfg.Calibration.ADCFullScale,
		K1:           cfg.Calibration.MoistureK1,
		K2:           cfg.Calibration.MoistureK2,
		DryThreshold: cfg.Thresholds.DryPercent,
	})

	k.Scheduler = scheduler.New(scheduler.Cadence{
		Moisture:    t.MoistureEvery,
		Environment: t.EnvironmentEvery,
		Ranging:     t.RangingEvery,
	}, scheduler.Targets{
		Moisture:    k.wake.moisture,
		Environment: k.wake.environment,
		Ranging:     k.wake.ranging,
		Heartbeat:   func() { gpio.Toggle(k.heartbeatLine) },
	})
	return k
}

// Run starts every pipeline and blocks until ctx is done. The pump is left
// off on return.
func (k *Kernel) Run(ctx context.Context) error {
	logger := log.With().Str("boot_id", k.BootID).Logger()

	if err := gpio.ValidateStartupPins(k.pumpLine, k.heartbeatLine); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}
	k.Pump.Off()
	shutdown.OnShutdown(k.Pump.Off)

	if err := k.Bus.SetSpeed(physic.Frequency(k.cfg.Sensor.BusSpeed) * physic.Hertz); err != nil {
		logger.Warn().Err(err).Msg("Failed to set bus speed")
	}
	if err := k.Bus.Probe(k.cfg.Sensor.Address); err != nil {
		logger.Warn().Err(err).Str("addr", fmt.Sprintf("0x%02X", k.cfg.Sensor.Address)).Msg("Sensor did not answer presence probe")
	} else {
		logger.Info().Str("addr", fmt.Sprintf("0x%02X", k.cfg.Sensor.Address)).Msg("Sensor present")
	}

	ticks := k.ticks
	if ticks == nil {
		ticker := time.NewTicker(k.cfg.Timing.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	emitter := telemetry.New(k.out, k.Latest)

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	start(func() { k.Sensor.Run(ctx, k.wake.environment, k.wake.telemetry) })
	start(func() { k.Ranging.Run(ctx, k.wake.ranging) })
	start(func() { k.Moisture.Run(ctx, k.wake.moisture) })
	start(func() { k.Moisture.RunSoft(ctx) })
	start(func() { emitter.Run(ctx, k.wake.telemetry) })
	start(func() { k.Scheduler.Run(ctx, ticks) })

	logger.Info().Dur("tick", k.cfg.Timing.Tick).Msg("Soil monitor running")
	<-ctx.Done()
	wg.Wait()

	k.Pump.Off()
	logger.Info().Uint64("moisture_drops", k.Moisture.Drops()).Msg("Soil monitor stopped")
	return nil
}
