// Package twowire is a polled master-mode two-wire (I2C) protocol engine.
//
// The engine is a finite-state machine driven one poll at a time by Step. It
// talks to the peripheral through the Controller register abstraction, so the
// same code runs against silicon or against a simulated bus.
//
// Transactions are 7-bit addressed, master only, with no retry, no clock
// stretching support and no arbitration. Any such condition surfaces as a
// BusError wrapping ErrNack and is left for the caller to resolve.
package twowire

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Status is the peripheral status word.
type Status uint8

const (
	TxReady Status = 1 << iota // data register empty, ready for the next byte
	RxReady                    // a received byte is waiting in the data register
	Nack                       // the target did not acknowledge
)

// Controller is the register-level interface to a two-wire master peripheral.
type Controller interface {
	// Start loads the target address, direction and byte count and issues a
	// start condition followed by the address.
	Start(addr uint16, read bool, count int)
	Stop()
	Status() Status
	ClearNack()
	WriteData(b byte)
	ReadData() byte
	// NackNext makes the peripheral answer the next received byte with NACK.
	NackNext()
}

// Clocker is implemented by controllers that can change the bus clock.
type Clocker interface {
	SetClock(f physic.Frequency) error
}

const DefaultPollLimit = 10000

var ErrNack = errors.New("twowire: not acknowledged")

// BusError describes an aborted transaction. It always matches ErrNack.
type BusError struct {
	Op          string
	Addr        uint16
	Transferred int
	Stalled     bool
}

func (e *BusError) Error() string {
	reason := "nack"
	if e.Stalled {
		reason = "stalled"
	}
	return fmt.Sprintf("twowire: %s 0x%02X aborted after %d bytes (%s)", e.Op, e.Addr, e.Transferred, reason)
}

func (e *BusError) Unwrap() error { return ErrNack }

type State int

const (
	StateIdle State = iota
	StateAddress
	StateSend
	StateDrain
	StateReceive
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAddress:
		return "address"
	case StateSend:
		return "send"
	case StateDrain:
		return "drain"
	case StateReceive:
		return "receive"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Option func(*Engine)

// WithPollLimit bounds the polls spent waiting on a single flag. Zero disables the bound.
func WithPollLimit(n int) Option {
	return func(e *Engine) { e.pollLimit = n }
}

// WithoutReadNack disables the NACK-before-final-byte read termination for
// targets that end reads on the stop condition alone.
func WithoutReadNack() Option {
	return func(e *Engine) { e.readNack = false }
}

func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

type Engine struct {
	mu        sync.Mutex
	ctrl      Controller
	name      string
	pollLimit int
	readNack  bool
	speed     physic.Frequency

	state State
	op    string
	addr  uint16
	out   []byte
	in    []byte
	index int
	polls int
	err   error
}

var _ i2c.Bus = (*Engine)(nil)

func New(ctrl Controller, opts ...Option) *Engine {
	e := &Engine{
		ctrl:      ctrl,
		name:      "twowire",
		pollLimit: DefaultPollLimit,
		readNack:  true,
		speed:     100 * physic.KiloHertz,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transmit writes data to addr. A zero-length write is an address-only
// presence probe.
func (e *Engine) Transmit(addr uint16, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginWrite(addr, data); err != nil {
		return err
	}
	return e.run()
}

// Receive fills buf from addr.
func (e *Engine) Receive(addr uint16, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginRead(addr, buf); err != nil {
		return err
	}
	return e.run()
}

// Probe reports whether a target acknowledges addr.
func (e *Engine) Probe(addr uint16) error {
	return e.Transmit(addr, nil)
}

// Tx implements i2c.Bus. The write and read phases are separate
// transactions: a stop is issued between them, there is no repeated start.
func (e *Engine) Tx(addr uint16, w, r []byte) error {
	if len(w) > 0 || len(r) == 0 {
		if err := e.Transmit(addr, w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return e.Receive(addr, r)
	}
	return nil
}

func (e *Engine) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("twowire: invalid speed %s", f)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.ctrl.(Clocker); ok {
		if err := c.SetClock(f); err != nil {
			return err
		}
	}
	e.speed = f
	return nil
}

func (e *Engine) Speed() physic.Frequency {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

func (e *Engine) String() string {
	return e.name
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) beginWrite(addr uint16, data []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("twowire: address 0x%X is not a 7-bit address", addr)
	}
	e.op, e.addr, e.out, e.in = "transmit", addr, data, nil
	e.index, e.polls, e.err = 0, 0, nil
	e.state = StateSend
	if len(data) == 0 {
		e.state = StateAddress
	}
	e.ctrl.Start(addr, false, len(data))
	return nil
}

func (e *Engine) beginRead(addr uint16, buf []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("twowire: address 0x%X is not a 7-bit address", addr)
	}
	if len(buf) == 0 {
		return fmt.Errorf("twowire: empty receive from 0x%02X", addr)
	}
	e.op, e.addr, e.out, e.in = "receive", addr, nil, buf
	e.index, e.polls, e.err = 0, 0, nil
	e.state = StateReceive
	e.ctrl.Start(addr, true, len(buf))
	if e.readNack && len(buf) == 1 {
		// the only byte is also the final byte
		e.ctrl.NackNext()
	}
	return nil
}

func (e *Engine) run() error {
	for !e.step() {
	}
	return e.err
}

// Step performs one poll of the status register and advances the state
// machine. It returns true once the transaction has completed or failed.
// Transmit and Receive step under the same lock, so Step never interleaves
// with a running transaction.
func (e *Engine) Step() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step()
}

func (e *Engine) step() bool {
	switch e.state {
	case StateIdle, StateDone, StateFailed:
		return true
	}

	st := e.ctrl.Status()
	if st&Nack != 0 {
		e.abort(false)
		return true
	}

	switch e.state {
	case StateAddress, StateDrain:
		if st&TxReady != 0 {
			e.finish()
			return true
		}
	case StateSend:
		if st&TxReady != 0 {
			e.ctrl.WriteData(e.out[e.index])
			e.index++
			e.polls = 0
			if e.index == len(e.out) {
				// the final byte still has to be acknowledged
				e.state = StateDrain
			}
			return false
		}
	case StateReceive:
		if st&RxReady != 0 {
			e.in[e.index] = e.ctrl.ReadData()
			e.index++
			e.polls = 0
			if e.index == len(e.in) {
				e.finish()
				return true
			}
			if e.readNack && e.index == len(e.in)-1 {
				e.ctrl.NackNext()
			}
			return false
		}
	}

	e.polls++
	if e.pollLimit > 0 && e.polls >= e.pollLimit {
		e.abort(true)
		return true
	}
	return false
}

func (e *Engine) finish() {
	e.ctrl.Stop()
	e.state = StateDone
}

func (e *Engine) abort(stalled bool) {
	if !stalled {
		e.ctrl.ClearNack()
	}
	e.ctrl.Stop()
	e.state = StateFailed
	e.err = &BusError{Op: e.op, Addr: e.addr, Transferred: e.index, Stalled: stalled}
}
