package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_GPIOValid(t *testing.T) {
	cfg := Default()

	assert.NotPanics(t, cfg.validate)
}

func TestValidate_GPIO_Missing(t *testing.T) {
	cfg := Default()
	cfg.GPIO.Heartbeat = nil

	assert.PanicsWithValue(t, "Missing required GPIO config fields: gpio.heartbeat", cfg.validate)
}

func TestValidate_GPIO_Conflict(t *testing.T) {
	cfg := Default()
	cfg.GPIO.UltrasonicTrigger = intPtr(*cfg.GPIO.PumpRelay)

	assert.Panics(t, cfg.validate)
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.GPIOBackend = "sysfs"

	assert.Panics(t, cfg.validate)
}

func TestParse_SparseFileKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
gpio_backend: pinctrl
gpio:
  pump_relay: 5
timing:
  tick: 5ms
  moisture_every: 50
thresholds:
  dry_percent: 25
serial:
  port: /dev/ttyS0
`))
	require.NoError(t, err)

	assert.Equal(t, "pinctrl", cfg.GPIOBackend)
	assert.Equal(t, 5, *cfg.GPIO.PumpRelay)
	assert.Equal(t, 27, *cfg.GPIO.Heartbeat)
	assert.Equal(t, 5*time.Millisecond, cfg.Timing.Tick)
	assert.Equal(t, uint16(50), cfg.Timing.MoistureEvery)
	assert.Equal(t, uint16(200), cfg.Timing.EnvironmentEvery)
	assert.Equal(t, 80*time.Millisecond, cfg.Timing.MeasureSettle)
	assert.Equal(t, float32(25), cfg.Thresholds.DryPercent)
	assert.Equal(t, float32(14.5), cfg.Thresholds.LowWaterCm)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, uint16(0x38), cfg.Sensor.Address)
}

func TestParse_ZeroValuesRestored(t *testing.T) {
	cfg, err := Parse([]byte(`
timing:
  tick: 0s
calibration:
  vref: 0
  average_window: 0
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, cfg.Timing.Tick)
	assert.Equal(t, float32(3.0), cfg.Calibration.VRef)
	assert.Equal(t, 64, cfg.Calibration.AverageWindow)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("timing: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.yaml")
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, path, cfg.ConfigFile)
		assert.Equal(t, Default().Timing, cfg.Timing)
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("safe_mode: true\n"), 0644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.True(t, cfg.SafeMode)
		assert.Equal(t, path, cfg.ConfigFile)
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLogLevel("debug").String())
	assert.Equal(t, "warn", parseLogLevel("warn").String())
	assert.Equal(t, "error", parseLogLevel("error").String())
	assert.Equal(t, "info", parseLogLevel("nonsense").String())
}
