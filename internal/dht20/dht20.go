// Package dht20 drives the DHT20 humidity and temperature sensor through a
// one-time bring-up handshake followed by periodic measurement cycles.
package dht20

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c"

	"github.com/thatsimonsguy/soil-monitor/internal/average"
	"github.com/thatsimonsguy/soil-monitor/internal/datadog"
	"github.com/thatsimonsguy/soil-monitor/internal/model"
	"github.com/thatsimonsguy/soil-monitor/internal/readings"
	"github.com/thatsimonsguy/soil-monitor/internal/signal"
	"github.com/thatsimonsguy/soil-monitor/internal/twowire"
)

const (
	Address = 0x38

	cmdStatus  = 0x71
	cmdTrigger = 0xAC

	statusCalibrated = 0x18
	statusBusy       = 0x80
	resetWriteBack   = 0xB0
)

var resetRegisters = []byte{0x1B, 0x1C, 0x1E}

var (
	ErrNotReady = errors.New("dht20: sensor not calibrated")
	ErrBusy     = errors.New("dht20: measurement still busy")
)

type State int

const (
	StateUninitialized State = iota
	StateCheckStatus
	StateResetSequence
	StateMeasureCycle
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCheckStatus:
		return "check-status"
	case StateResetSequence:
		return "reset-sequence"
	case StateMeasureCycle:
		return "measure-cycle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Address        uint16
	StartupDelay   time.Duration
	StatusSettle   time.Duration
	ResetSettle    time.Duration
	MeasureSettle  time.Duration
	MeasurePoll    time.Duration
	MeasureRetries int
}

// Measurement is one decoded result burst.
type Measurement struct {
	HumidityPercent float32
	TemperatureC    float32
	Busy            bool
}

// Decode unpacks the 6-byte result burst. Humidity and temperature are 20-bit
// fields sharing the nibbles of byte 3.
func Decode(b [6]byte) Measurement {
	hum := uint32(b[1])<<12 | uint32(b[2])<<4 | uint32(b[3])>>4
	temp := uint32(b[3]&0x0F)<<16 | uint32(b[4])<<8 | uint32(b[5])
	return Measurement{
		HumidityPercent: float32(hum) / (1 << 20) * 100,
		TemperatureC:    float32(temp)/(1<<20)*200 - 50,
		Busy:            b[0]&statusBusy != 0,
	}
}

var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Sensor struct {
	dev    *i2c.Dev
	latest *readings.Latest
	avg    *average.Buffer
	cfg    Config

	mu        sync.Mutex
	state     State
	handshake model.Handshake
}

func New(bus i2c.Bus, latest *readings.Latest, avg *average.Buffer, cfg Config) *Sensor {
	if cfg.Address == 0 {
		cfg.Address = Address
	}
	return &Sensor{
		dev:    &i2c.Dev{Bus: bus, Addr: cfg.Address},
		latest: latest,
		avg:    avg,
		cfg:    cfg,
	}
}

func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sensor) Handshake() model.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// Activate runs one step of the acquisition cycle. The handshake runs on the
// first activations of a boot until it succeeds; every activation ends with a
// measurement once the handshake is done. On error the latest readings are
// left unchanged.
func (s *Sensor) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUninitialized {
		if err := sleep(ctx, s.cfg.StartupDelay); err != nil {
			return err
		}
		s.state = StateCheckStatus
	}

	if s.state == StateCheckStatus {
		status, err := s.readStatus(ctx)
		if err != nil {
			return fmt.Errorf("status probe: %w", err)
		}
		s.handshake.StatusChecked = true
		if status&statusCalibrated == statusCalibrated {
			s.handshake.Initialized = true
			s.state = StateMeasureCycle
		} else {
			log.Warn().
				Err(ErrNotReady).
				Str("status", fmt.Sprintf("0x%02X", status)).
				Msg("Sensor reports uncalibrated, resetting registers")
			s.state = StateResetSequence
		}
	}

	if s.state == StateResetSequence {
		for _, reg := range resetRegisters {
			if err := s.resetRegister(ctx, reg); err != nil {
				return fmt.Errorf("reset register 0x%02X: %w", reg, err)
			}
		}
		s.handshake.Initialized = true
		s.state = StateMeasureCycle
		log.Info().Msg("Sensor register reset complete")
	}

	m, err := s.measure(ctx)
	if err != nil {
		return err
	}

	avg := s.avg.Add(m.TemperatureC)
	s.latest.Temperature.Store(m.TemperatureC)
	s.latest.AverageTemperature.Store(avg)
	s.latest.Humidity.Store(m.HumidityPercent)

	log.Debug().
		Float32("temp_c", m.TemperatureC).
		Float32("avg_temp_c", avg).
		Float32("humidity", m.HumidityPercent).
		Msg("Environment measured")
	return nil
}

func (s *Sensor) readStatus(ctx context.Context) (byte, error) {
	if _, err := s.dev.Write([]byte{cmdStatus}); err != nil {
		return 0, err
	}
	if err := sleep(ctx, s.cfg.StatusSettle); err != nil {
		return 0, err
	}
	var buf [1]byte
	if err := s.dev.Tx(nil, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *Sensor) resetRegister(ctx context.Context, reg byte) error {
	if _, err := s.dev.Write([]byte{reg, 0x00, 0x00}); err != nil {
		return err
	}
	if err := sleep(ctx, s.cfg.ResetSettle); err != nil {
		return err
	}
	var buf [3]byte
	if err := s.dev.Tx(nil, buf[:]); err != nil {
		return err
	}
	if err := sleep(ctx, s.cfg.ResetSettle); err != nil {
		return err
	}
	if _, err := s.dev.Write([]byte{resetWriteBack | reg, buf[1], buf[2]}); err != nil {
		return err
	}
	return sleep(ctx, s.cfg.ResetSettle)
}

// measure triggers a conversion, waits the settle time and then polls the
// busy flag at most MeasureRetries more times.
func (s *Sensor) measure(ctx context.Context) (Measurement, error) {
	if _, err := s.dev.Write([]byte{cmdTrigger, 0x33, 0x00}); err != nil {
		return Measurement{}, fmt.Errorf("trigger: %w", err)
	}
	if err := sleep(ctx, s.cfg.MeasureSettle); err != nil {
		return Measurement{}, err
	}

	var buf [6]byte
	for attempt := 0; ; attempt++ {
		if err := s.dev.Tx(nil, buf[:]); err != nil {
			return Measurement{}, fmt.Errorf("read result: %w", err)
		}
		m := Decode(buf)
		if !m.Busy {
			return m, nil
		}
		if attempt >= s.cfg.MeasureRetries {
			return Measurement{}, ErrBusy
		}
		if err := sleep(ctx, s.cfg.MeasurePoll); err != nil {
			return Measurement{}, err
		}
	}
}

// Run activates the sensor on every post to wake and posts telemetry after
// each successful cycle. Failed cycles are logged and skipped.
func (s *Sensor) Run(ctx context.Context, wake, telemetry *signal.Semaphore) {
	log.Info().Str("pipeline", "environment").Msg("Starting environment pipeline")
	for {
		if err := wake.Pend(ctx); err != nil {
			return
		}
		if err := s.Activate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, twowire.ErrNack) {
				datadog.Count("bus.nack", 1, "pipeline:environment")
			}
			datadog.Count("cycle.abandoned", 1, "pipeline:environment")
			log.Warn().
				Err(err).
				Str("pipeline", "environment").
				Str("state", s.State().String()).
				Msg("Environment cycle abandoned")
			continue
		}
		telemetry.Post()
	}
}
