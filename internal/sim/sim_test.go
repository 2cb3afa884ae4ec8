package sim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/thatsimonsguy/soil-monitor/internal/twowire"
)

func TestDHT20_ResetWriteBackCalibrates(t *testing.T) {
	d := NewDHT20(false)
	e := twowire.New(NewTwoWire(d))

	for _, reg := range []byte{0x1B, 0x1C, 0x1E} {
		require.NoError(t, e.Transmit(0x38, []byte{reg, 0, 0}))
		buf := make([]byte, 3)
		require.NoError(t, e.Receive(0x38, buf))
		assert.Equal(t, byte(0), buf[0], "status reports uncalibrated")
		require.NoError(t, e.Transmit(0x38, []byte{0xB0 | reg, buf[1], buf[2]}))
	}

	assert.Equal(t, 3, d.Resets)
	assert.True(t, d.Calibrated())
}

func TestDHT20_Measurement(t *testing.T) {
	d := NewDHT20(true)
	d.SetRaw(0x80000, 0x40000)
	d.BusyReads = 1
	e := twowire.New(NewTwoWire(d))

	require.NoError(t, e.Transmit(0x38, []byte{0xAC, 0x33, 0x00}))
	buf := make([]byte, 6)
	require.NoError(t, e.Receive(0x38, buf))
	assert.Equal(t, byte(0x98), buf[0])

	require.NoError(t, e.Receive(0x38, buf))
	assert.Equal(t, []byte{0x18, 0x80, 0x00, 0x04, 0x00, 0x00}, buf)
}

func TestDHT20_NackCommand(t *testing.T) {
	d := NewDHT20(true)
	d.NackCommand = 0xAC
	e := twowire.New(NewTwoWire(d))

	assert.ErrorIs(t, e.Transmit(0x38, []byte{0xAC, 0x33, 0x00}), twowire.ErrNack)
	assert.Zero(t, d.Triggers)
}

func TestADC_InterruptAfterStart(t *testing.T) {
	a := NewADC(time.Millisecond)
	a.SetVoltage(1.5, 3.0)
	var fired atomic.Int32
	a.Attach(func() { fired.Add(1) })

	require.NoError(t, a.Start())
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint16(2048), a.Result())
}

func TestUltrasonic_EchoOnFallingEdge(t *testing.T) {
	u := NewUltrasonic(time.Millisecond)
	u.SetDistance(10)
	var fired atomic.Int32
	u.Attach(func() { fired.Add(1) })

	// not armed: no echo
	require.NoError(t, u.TriggerPin().Out(gpio.High))
	require.NoError(t, u.TriggerPin().Out(gpio.Low))
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, fired.Load())

	seq := u.Arm()
	require.NoError(t, u.TriggerPin().Out(gpio.High))
	require.NoError(t, u.TriggerPin().Out(gpio.Low))
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	ticks, latchedSeq := u.Captured()
	assert.Equal(t, uint32(116000), ticks)
	assert.Equal(t, seq, latchedSeq)
	assert.Equal(t, seq+1, u.Arm(), "each arm gets a new sequence number")
}

func TestGarden_PumpWaters(t *testing.T) {
	b := NewBoard()
	g := NewGarden(b)

	g.Step()
	dry, water, _, _ := g.Snapshot()
	assert.Equal(t, 34.5, dry)
	assert.Equal(t, 30.0, water)

	require.NoError(t, b.PumpRelay.Out(gpio.High))
	g.Step()
	wet, water, _, _ := g.Snapshot()
	assert.Equal(t, 36.5, wet)
	assert.Equal(t, 29.5, water)
}

func TestGarden_ActiveLowRelay(t *testing.T) {
	b := NewBoard()
	b.SetPumpActiveHigh(false)
	g := NewGarden(b)

	assert.Equal(t, gpio.High, b.PumpRelay.Read(), "idles inactive")
	assert.False(t, b.PumpRunning())
	assert.Empty(t, b.PumpRelay.History())

	g.Step()
	dry, _, _, _ := g.Snapshot()
	assert.Equal(t, 34.5, dry)

	require.NoError(t, b.PumpRelay.Out(gpio.Low))
	assert.True(t, b.PumpRunning())
	g.Step()
	wet, water, _, _ := g.Snapshot()
	assert.Equal(t, 36.5, wet)
	assert.Equal(t, 29.5, water)
}
