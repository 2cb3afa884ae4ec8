// Package serialport is the outbound serial link used for telemetry.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/thatsimonsguy/soil-monitor/internal/config"
)

// Auto selects the first port the system reports.
const Auto = "auto"

var (
	open      = serial.Open
	listPorts = serial.GetPortsList
)

// Port writes to a serial device and blocks until the bytes have left the
// output buffer.
type Port struct {
	mu   sync.Mutex
	name string
	conn serial.Port
}

var _ io.WriteCloser = (*Port)(nil)

func Open(cfg config.Serial) (*Port, error) {
	name := cfg.Port
	if name == Auto {
		ports, err := listPorts()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, errors.New("no serial ports found")
		}
		name = ports[0]
	}

	conn, err := open(name, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}

	log.Info().Str("port", name).Int("baud", cfg.BaudRate).Msg("Serial port opened")
	return &Port{name: name, conn: conn}, nil
}

func (p *Port) Name() string {
	return p.name
}

// Write sends all of b, then drains the output buffer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(b) {
		n, err := p.conn.Write(b[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("serial write: %w", err)
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	if err := p.conn.Drain(); err != nil {
		return written, fmt.Errorf("serial drain: %w", err)
	}
	return written, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// Release drains pending output and closes the port, logging failures. It
// has the shape of a shutdown hook.
func (p *Port) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Drain(); err != nil {
		log.Warn().Err(err).Str("port", p.name).Msg("Failed to drain serial port")
	}
	if err := p.conn.Close(); err != nil {
		log.Warn().Err(err).Str("port", p.name).Msg("Failed to close serial port")
		return
	}
	log.Info().Str("port", p.name).Msg("Serial port closed")
}
