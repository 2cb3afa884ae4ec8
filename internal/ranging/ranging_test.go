package ranging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
	"github.com/thatsimonsguy/soil-monitor/internal/sim"
)

func testConfig() Config {
	return Config{
		TriggerPulse: 10 * time.Microsecond,
		EchoTimeout:  200 * time.Millisecond,
		TicksPerCm:   TicksPerCm,
		LowWaterCm:   14.5,
	}
}

func TestDistance(t *testing.T) {
	assert.Equal(t, float32(0.5), Distance(5800))
	assert.Equal(t, float32(1.0), Distance(11600))
	assert.Equal(t, float32(0), Distance(0))

	prev := Distance(0)
	for ticks := uint32(1); ticks < 400000; ticks += 997 {
		d := Distance(ticks)
		assert.Greater(t, d, prev)
		prev = d
	}
}

func TestAdequate(t *testing.T) {
	tests := []struct {
		cm   float32
		want bool
	}{
		{0, false},
		{14.5, false},
		{14.51, true},
		{40, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Adequate(tc.cm, 14.5), "%v cm", tc.cm)
	}
}

func TestMeasure(t *testing.T) {
	us := sim.NewUltrasonic(time.Millisecond)
	us.SetDistance(20)
	latest := readings.New()
	p := New(us.TriggerPin(), us, latest, testConfig())

	assert.False(t, p.Adequate(), "no reading yet")

	require.NoError(t, p.Measure(context.Background()))

	assert.InDelta(t, 20, latest.Distance.Value(), 1e-4)
	assert.True(t, p.Adequate())
	assert.Equal(t, []gpio.Level{gpio.High, gpio.Low}, us.TriggerPin().History())
	assert.Equal(t, 1, us.Clears)

	us.SetDistance(10)
	require.NoError(t, p.Measure(context.Background()))
	assert.InDelta(t, 10, latest.Distance.Value(), 1e-4)
	assert.False(t, p.Adequate())
}

func TestMeasure_NoEchoKeepsPrevious(t *testing.T) {
	us := sim.NewUltrasonic(time.Millisecond)
	us.SetDistance(30)
	latest := readings.New()
	cfg := testConfig()
	cfg.EchoTimeout = 20 * time.Millisecond
	p := New(us.TriggerPin(), us, latest, cfg)

	require.NoError(t, p.Measure(context.Background()))
	_, version := latest.Distance.Load()

	us.SetNoEcho(true)
	assert.ErrorIs(t, p.Measure(context.Background()), ErrNoEcho)

	v, after := latest.Distance.Load()
	assert.Equal(t, version, after)
	assert.InDelta(t, 30, v, 1e-4)
}

func TestMeasure_StaleEchoDrained(t *testing.T) {
	us := sim.NewUltrasonic(time.Millisecond)
	us.SetDistance(25)
	latest := readings.New()
	p := New(us.TriggerPin(), us, latest, testConfig())

	// a spurious capture left over from an earlier cycle
	p.echo.Post()
	p.echo.Post()

	require.NoError(t, p.Measure(context.Background()))
	assert.Equal(t, 1, us.Captures)
	assert.InDelta(t, 25, latest.Distance.Value(), 1e-4)
	assert.Zero(t, p.echo.Count())
}

func TestMeasure_LateEchoFromTimedOutCycle(t *testing.T) {
	// echoes complete 45ms after the trigger, later than the 30ms timeout but
	// inside the following cycle
	us := sim.NewUltrasonic(45 * time.Millisecond)
	us.SetDistance(30)
	latest := readings.New()
	cfg := testConfig()
	cfg.EchoTimeout = 30 * time.Millisecond
	p := New(us.TriggerPin(), us, latest, cfg)
	ctx := context.Background()

	assert.ErrorIs(t, p.Measure(ctx), ErrNoEcho)

	// the water rose; the 30cm echo is still in flight
	us.SetDistance(10)
	assert.ErrorIs(t, p.Measure(ctx), ErrNoEcho)
	assert.False(t, latest.Distance.Valid(), "late echo stored as this cycle's distance")
	assert.False(t, p.Adequate())

	p.cfg.EchoTimeout = 500 * time.Millisecond
	require.NoError(t, p.Measure(ctx))
	assert.InDelta(t, 10, latest.Distance.Value(), 1e-4)
	assert.False(t, p.Adequate())
	assert.Equal(t, 3, us.Captures)
}

func TestHandleCapture(t *testing.T) {
	us := sim.NewUltrasonic(time.Millisecond)
	p := New(us.TriggerPin(), us, readings.New(), testConfig())

	p.HandleCapture()

	assert.Equal(t, uint32(1), p.echo.Count())
	assert.Equal(t, 1, us.Clears)
}

func TestRun(t *testing.T) {
	us := sim.NewUltrasonic(time.Millisecond)
	us.SetDistance(18)
	latest := readings.New()
	p := New(us.TriggerPin(), us, latest, testConfig())
	wake := signal.New(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, wake)
		close(done)
	}()

	wake.Post()
	assert.Eventually(t, latest.Distance.Valid, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
