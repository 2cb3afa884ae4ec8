package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/config"
	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/env"
	"github.com/thatsimonsguy/soil-monitor/internal/gpio"
	"github.com/thatsimonsguy/soil-monitor/internal/kernel"
	"github.com/thatsimonsguy/soil-monitor/internal/logging"
	"github.com/thatsimonsguy/soil-monitor/internal/serialport"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
	"github.com/thatsimonsguy/soil-monitor/system/shutdown"
)

func main() {
	cfg := config.Load()
	env.Cfg = cfg
	env.BootID = uuid.NewString()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("boot_id", env.BootID).
		Str("gpio_backend", cfg.GPIOBackend).
		Msg("Starting soil monitor")

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED: output pins will not be driven")
	}

	datadog.InitMetrics()

	var out io.Writer = os.Stdout
	if cfg.Serial.Port != "" {
		port, err := serialport.Open(cfg.Serial)
		if err != nil {
			shutdown.ShutdownWithError(err, "Unable to open telemetry port")
			return
		}
		// Shutdown exits the process, so deferred calls would never run
		shutdown.OnShutdown(port.Release)
		out = port
	}

	// the sensor front end is simulated; only the relay and heartbeat outputs
	// follow gpio_backend
	board := sim.NewBoard()
	board.SetPumpActiveHigh(cfg.PumpActiveHigh)
	garden := sim.NewGarden(board)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				garden.Step()
			}
		}
	}()

	k := kernel.New(kernel.Simulated(board), cfg, kernel.WithTelemetry(out))
	if err := k.Run(ctx); err != nil {
		shutdown.ShutdownWithError(err, "Soil monitor stopped with error")
		return
	}
	shutdown.Shutdown(0)
}
