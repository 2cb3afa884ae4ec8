package kernel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/thatsimonsguy/soil-monitor/internal/config"
	gpioline "github.com/thatsimonsguy/soil-monitor/internal/gpio"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
)

type lines struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Timing.Tick = time.Millisecond
	cfg.Timing.MoistureEvery = 5
	cfg.Timing.EnvironmentEvery = 20
	cfg.Timing.RangingEvery = 5
	cfg.Timing.StartupDelay = time.Millisecond
	cfg.Timing.StatusSettle = 0
	cfg.Timing.ResetSettle = 0
	cfg.Timing.MeasureSettle = time.Millisecond
	cfg.Timing.MeasurePoll = time.Millisecond
	cfg.Timing.EchoTimeout = 50 * time.Millisecond
	return cfg
}

func TestKernel_DryBedWithWaterRunsPump(t *testing.T) {
	gpioline.SetSafeMode(false)
	b := sim.NewBoard()
	b.Sensor.SetEnvironment(42, 23.5)
	b.Ultrasonic.SetDistance(30)
	b.ADC.SetVoltage(2.696, 3.0) // about 20 %

	out := &lines{}
	k := New(Simulated(b), fastConfig(), WithTelemetry(out))
	assert.NotEmpty(t, k.BootID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return k.Pump.State() == model.PumpOn
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Temp: 23.500 Hum: 42.000\n")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return b.Heartbeat.Toggles() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, model.PumpOff, k.Pump.State())
	assert.Equal(t, gpio.Low, b.PumpRelay.Read())
	assert.True(t, b.Sensor.Calibrated(), "uncalibrated sensor was reset")
	assert.True(t, k.Sensor.Handshake().Initialized)
}

func TestKernel_LowReservoirKeepsPumpOff(t *testing.T) {
	gpioline.SetSafeMode(false)
	b := sim.NewBoard()
	b.Ultrasonic.SetDistance(10)
	b.ADC.SetVoltage(2.696, 3.0)

	k := New(Simulated(b), fastConfig(), WithTelemetry(&lines{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return k.Latest.Moisture.Valid() && k.Latest.Distance.Valid()
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, model.PumpOff, k.Pump.State())
	for _, l := range b.PumpRelay.History() {
		assert.Equal(t, gpio.Low, l)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestKernel_ManualTicks(t *testing.T) {
	gpioline.SetSafeMode(false)
	b := sim.NewBoard()
	ticks := make(chan time.Time)
	cfg := fastConfig()
	k := New(Simulated(b), cfg, WithTicks(ticks), WithTelemetry(&lines{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	for i := 0; i < int(cfg.Timing.MoistureEvery); i++ {
		ticks <- time.Now()
	}
	assert.Eventually(t, func() bool {
		starts, _ := b.ADC.Counts()
		return starts == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint16(cfg.Timing.MoistureEvery), k.Scheduler.Ticks())

	cancel()
	require.NoError(t, <-done)
}

func TestKernel_RefusesActivePumpAtStartup(t *testing.T) {
	gpioline.SetSafeMode(false)
	b := sim.NewBoard()
	require.NoError(t, b.PumpRelay.Out(gpio.High))

	k := New(Simulated(b), fastConfig(), WithTelemetry(&lines{}))
	err := k.Run(context.Background())

	assert.ErrorContains(t, err, "refusing to start")
}

func TestKernel_ActiveLowRelayStartsAndPumps(t *testing.T) {
	gpioline.SetSafeMode(false)
	cfg := fastConfig()
	cfg.PumpActiveHigh = false

	b := sim.NewBoard()
	b.SetPumpActiveHigh(cfg.PumpActiveHigh)
	b.Ultrasonic.SetDistance(30)
	b.ADC.SetVoltage(2.696, 3.0)

	k := New(Simulated(b), cfg, WithTelemetry(&lines{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return k.Pump.State() == model.PumpOn
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, b.PumpRunning, time.Second, time.Millisecond)
	assert.Equal(t, gpio.Low, b.PumpRelay.Read())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, gpio.High, b.PumpRelay.Read())
	assert.False(t, b.PumpRunning())
}
