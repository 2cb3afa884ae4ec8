package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/soil-monitor/internal/config"
	"github.com/thatsimonsguy/soil-monitor/internal/env"
	"github.com/thatsimonsguy/soil-monitor/internal/kernel"
	"github.com/thatsimonsguy/soil-monitor/internal/logging"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
)

func main() {
	BenchCLI()
}

// BenchCLI runs the full controller against a simulated plant bed with
// accelerated timing and prints the telemetry it produces.
func BenchCLI() {
	var scenario, logLevel string
	var duration, step time.Duration
	flag.StringVar(&scenario, "scenario", "cycle", "Scenario: cycle, dry, wet, low-water")
	flag.DurationVar(&duration, "duration", 5*time.Second, "How long to run")
	flag.DurationVar(&step, "step", 100*time.Millisecond, "Garden model step interval")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		fmt.Println("\nUsage of soil-bench:")
		fmt.Println("  -scenario string\tcycle, dry, wet or low-water (default 'cycle')")
		fmt.Println("  -duration duration\tHow long to run (default 5s)")
		fmt.Println("  -step duration\tGarden model step interval (default 100ms)")
		fmt.Println("  -log-level string\tLog level (default 'warn')")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logging.Init(level, "")

	cfg := config.Default()
	cfg.Timing.Tick = time.Millisecond
	cfg.Timing.MoistureEvery = 20
	cfg.Timing.EnvironmentEvery = 100
	cfg.Timing.RangingEvery = 50
	env.Cfg = cfg

	board := sim.NewBoard()
	board.SetPumpActiveHigh(cfg.PumpActiveHigh)
	garden := sim.NewGarden(board)
	switch scenario {
	case "cycle":
	case "dry":
		garden.MoisturePercent = 10
		garden.WateringPerStep = 0
	case "wet":
		garden.MoisturePercent = 60
		garden.DryingPerStep = 0
	case "low-water":
		garden.MoisturePercent = 10
		garden.WaterCm = 12
	default:
		fmt.Printf("Invalid scenario %q\n", scenario)
		os.Exit(1)
	}
	garden.Step()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	go func() {
		t := time.NewTicker(step)
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

	k := kernel.New(kernel.Simulated(board), cfg, kernel.WithTelemetry(os.Stdout))
	if err := k.Run(ctx); err != nil {
		fmt.Printf("Bench failed: %v\n", err)
		os.Exit(1)
	}

	moisture, water, temp, hum := garden.Snapshot()
	snap := k.Latest.Snapshot()
	fmt.Printf("\nscenario=%s boot=%s\n", scenario, k.BootID)
	fmt.Printf("  garden:   moisture=%.1f%% water=%.1fcm temp=%.2fC hum=%.2f%%\n", moisture, water, temp, hum)
	fmt.Printf("  readings: moisture=%.1f%% distance=%.1fcm avg_temp=%.2fC hum=%.2f%%\n",
		snap.MoisturePercent, snap.DistanceCm, snap.AverageTemperature, snap.HumidityPercent)
	fmt.Printf("  pump=%s relay_writes=%d heartbeat_toggles=%d isr_drops=%d\n",
		k.Pump.State(), len(board.PumpRelay.History()), board.Heartbeat.Toggles(), k.Moisture.Drops())
}
