package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type GPIO struct {
	// outputs
	PumpRelay         *int `yaml:"pump_relay"`
	Heartbeat         *int `yaml:"heartbeat"`
	UltrasonicTrigger *int `yaml:"ultrasonic_trigger"`
}

// Timing holds every delay and cadence the pipelines use. Cadences are counted
// in scheduler ticks.
type Timing struct {
	Tick             time.Duration `yaml:"tick"`
	MoistureEvery    uint16        `yaml:"moisture_every"`
	EnvironmentEvery uint16        `yaml:"environment_every"`
	RangingEvery     uint16        `yaml:"ranging_every"`

	StartupDelay   time.Duration `yaml:"startup_delay"`
	StatusSettle   time.Duration `yaml:"status_settle"`
	ResetSettle    time.Duration `yaml:"reset_settle"`
	MeasureSettle  time.Duration `yaml:"measure_settle"`
	MeasurePoll    time.Duration `yaml:"measure_poll"`
	MeasureRetries int           `yaml:"measure_retries"`

	TriggerPulse time.Duration `yaml:"trigger_pulse"`
	EchoTimeout  time.Duration `yaml:"echo_timeout"`
	BusPollLimit int           `yaml:"bus_poll_limit"`
}

type Thresholds struct {
	DryPercent float32 `yaml:"dry_percent"`
	LowWaterCm float32 `yaml:"low_water_cm"`
}

type Calibration struct {
	VRef          float32 `yaml:"vref"`
	ADCFullScale  float32 `yaml:"adc_full_scale"`
	MoistureK1    float32 `yaml:"moisture_k1"`
	MoistureK2    float32 `yaml:"moisture_k2"`
	TicksPerCm    float32 `yaml:"ticks_per_cm"`
	AverageWindow int     `yaml:"average_window"`
}

type Serial struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type Sensor struct {
	Address  uint16 `yaml:"address"`
	BusSpeed int64  `yaml:"bus_speed_hz"`
}

type Datadog struct {
	Enabled   bool     `yaml:"enabled"`
	AgentAddr string   `yaml:"agent_addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`
	LogFile    string        `yaml:"log_file"`
	SafeMode   bool          `yaml:"safe_mode"`

	// GPIOBackend selects how output pins are driven: "sim" or "pinctrl".
	GPIOBackend    string `yaml:"gpio_backend"`
	PumpActiveHigh bool   `yaml:"pump_active_high"`

	GPIO        GPIO        `yaml:"gpio"`
	Timing      Timing      `yaml:"timing"`
	Thresholds  Thresholds  `yaml:"thresholds"`
	Calibration Calibration `yaml:"calibration"`
	Sensor      Sensor      `yaml:"sensor"`
	Serial      Serial      `yaml:"serial"`
	Datadog     Datadog     `yaml:"datadog"`
}

// Default returns a configuration matching the reference board.
func Default() *Config {
	return &Config{
		LogLevel:       zerolog.InfoLevel,
		GPIOBackend:    "sim",
		PumpActiveHigh: true,
		GPIO: GPIO{
			PumpRelay:         intPtr(17),
			Heartbeat:         intPtr(27),
			UltrasonicTrigger: intPtr(22),
		},
		Timing: Timing{
			Tick:             10 * time.Millisecond,
			MoistureEvery:    100,
			EnvironmentEvery: 200,
			RangingEvery:     100,
			StartupDelay:     100 * time.Millisecond,
			StatusSettle:     10 * time.Millisecond,
			ResetSettle:      10 * time.Millisecond,
			MeasureSettle:    80 * time.Millisecond,
			MeasurePoll:      10 * time.Millisecond,
			MeasureRetries:   5,
			TriggerPulse:     10 * time.Microsecond,
			EchoTimeout:      60 * time.Millisecond,
			BusPollLimit:     10000,
		},
		Thresholds: Thresholds{
			DryPercent: 30,
			LowWaterCm: 14.5,
		},
		Calibration: Calibration{
			VRef:          3.0,
			ADCFullScale:  4095,
			MoistureK1:    2.48,
			MoistureK2:    0.72,
			TicksPerCm:    5800,
			AverageWindow: 64,
		},
		Sensor: Sensor{
			Address:  0x38,
			BusSpeed: 100000,
		},
		Datadog: Datadog{
			AgentAddr: "127.0.0.1:8125",
			Namespace: "soil_monitor.",
		},
	}
}

// Load reads flags and the config file. A missing file means defaults.
// Any other failure panics, as does an invalid pin assignment.
func Load() *Config {
	var (
		configFile string
		logLevel   string
		logFile    string
		safeMode   bool
	)

	flag.StringVar(&configFile, "config-file", "config.yaml", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFile, "log-file", "", "Write JSON logs to this file instead of the console")
	flag.BoolVar(&safeMode, "safe-mode", false, "Never drive output pins")
	flag.Parse()

	cfg, err := LoadFile(configFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}

	cfg.LogLevel = parseLogLevel(logLevel)
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if safeMode {
		cfg.SafeMode = true
	}

	cfg.validate()
	return cfg
}

// LoadFile reads a YAML config over the defaults without validating it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.ConfigFile = path
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ensureDefaults()
	return cfg, nil
}

// ensureDefaults replaces zero values left by a sparse file.
func (cfg *Config) ensureDefaults() {
	def := Default()

	if cfg.GPIOBackend == "" {
		cfg.GPIOBackend = def.GPIOBackend
	}

	t, dt := &cfg.Timing, def.Timing
	if t.Tick <= 0 {
		t.Tick = dt.Tick
	}
	if t.MoistureEvery == 0 {
		t.MoistureEvery = dt.MoistureEvery
	}
	if t.EnvironmentEvery == 0 {
		t.EnvironmentEvery = dt.EnvironmentEvery
	}
	if t.RangingEvery == 0 {
		t.RangingEvery = dt.RangingEvery
	}
	if t.MeasureSettle <= 0 {
		t.MeasureSettle = dt.MeasureSettle
	}
	if t.MeasurePoll <= 0 {
		t.MeasurePoll = dt.MeasurePoll
	}
	if t.MeasureRetries < 0 {
		t.MeasureRetries = dt.MeasureRetries
	}
	if t.TriggerPulse <= 0 {
		t.TriggerPulse = dt.TriggerPulse
	}
	if t.EchoTimeout <= 0 {
		t.EchoTimeout = dt.EchoTimeout
	}
	if t.BusPollLimit < 0 {
		t.BusPollLimit = dt.BusPollLimit
	}

	c, dc := &cfg.Calibration, def.Calibration
	if c.VRef <= 0 {
		c.VRef = dc.VRef
	}
	if c.ADCFullScale <= 0 {
		c.ADCFullScale = dc.ADCFullScale
	}
	if c.TicksPerCm <= 0 {
		c.TicksPerCm = dc.TicksPerCm
	}
	if c.AverageWindow <= 0 {
		c.AverageWindow = dc.AverageWindow
	}

	if cfg.Sensor.Address == 0 {
		cfg.Sensor.Address = def.Sensor.Address
	}
	if cfg.Sensor.BusSpeed <= 0 {
		cfg.Sensor.BusSpeed = def.Sensor.BusSpeed
	}
	if cfg.Serial.Port != "" && cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 115200
	}
	if cfg.Datadog.AgentAddr == "" {
		cfg.Datadog.AgentAddr = def.Datadog.AgentAddr
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var (
		missingFields []string
		usedPins      = map[int]string{}
		conflicts     []string
	)

	v := reflect.ValueOf(cfg.GPIO)
	t := reflect.TypeOf(cfg.GPIO)

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldName := t.Field(i).Tag.Get("yaml")

		if field.IsNil() {
			missingFields = append(missingFields, "gpio."+fieldName)
			continue
		}

		pin := field.Elem().Int()
		if other, exists := usedPins[int(pin)]; exists {
			conflicts = append(conflicts, fmt.Sprintf("gpio.%s and gpio.%s both use pin %d", fieldName, other, pin))
		} else {
			usedPins[int(pin)] = fieldName
		}
	}

	if len(missingFields) > 0 {
		panic("Missing required GPIO config fields: " + strings.Join(missingFields, ", "))
	}
	if len(conflicts) > 0 {
		panic("Conflicting GPIO pins: " + strings.Join(conflicts, ", "))
	}

	switch cfg.GPIOBackend {
	case "sim", "pinctrl":
	default:
		panic("Unknown gpio_backend: " + cfg.GPIOBackend)
	}
	if cfg.Sensor.Address > 0x7F {
		panic(fmt.Sprintf("sensor.address 0x%X is not a 7-bit address", cfg.Sensor.Address))
	}
}

func intPtr(v int) *int {
	return &v
}
