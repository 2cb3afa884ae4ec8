// Package sim provides simulated peripherals for running the controller
// without hardware: a two-wire master with attachable targets, a DHT20
// humidity/temperature target, an ADC, an ultrasonic capture timer and
// output pins.
package sim

import (
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/thatsimonsguy/soil-monitor/internal/twowire"
)

// Target is a simulated device on the two-wire bus.
type Target interface {
	Address() uint16
	// Begin is called when the target is addressed. Returning false NACKs the address.
	Begin(read bool) bool
	// Write delivers one byte. Returning false NACKs it.
	Write(b byte) bool
	Read() byte
	End()
}

// Event is one bus-level action seen by the simulated peripheral.
type Event struct {
	Kind string // start, write, read, nack-next, stop
	Addr uint16
	Read bool
	Byte byte
}

// TwoWire is a simulated master peripheral implementing twowire.Controller.
type TwoWire struct {
	mu       sync.Mutex
	targets  map[uint16]Target
	active   Target
	reading  bool
	final    bool
	nackNext bool
	data     byte
	status   twowire.Status
	clock    physic.Frequency

	// Stalled freezes the status register, as a held-low bus would.
	Stalled bool

	events []Event
}

var (
	_ twowire.Controller = (*TwoWire)(nil)
	_ twowire.Clocker    = (*TwoWire)(nil)
)

func NewTwoWire(targets ...Target) *TwoWire {
	tw := &TwoWire{targets: map[uint16]Target{}, clock: 100 * physic.KiloHertz}
	for _, t := range targets {
		tw.Attach(t)
	}
	return tw
}

func (tw *TwoWire) Attach(t Target) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.targets[t.Address()] = t
}

func (tw *TwoWire) Start(addr uint16, read bool, count int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, Event{Kind: "start", Addr: addr, Read: read})
	tw.status = 0
	tw.reading = read
	tw.final = false
	tw.nackNext = false
	tw.active = tw.targets[addr]
	if tw.active == nil || !tw.active.Begin(read) {
		tw.status = twowire.Nack
		return
	}
	if !read {
		tw.status = twowire.TxReady
	}
}

func (tw *TwoWire) Stop() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, Event{Kind: "stop"})
	if tw.active != nil {
		tw.active.End()
	}
	tw.active = nil
	tw.status = 0
}

func (tw *TwoWire) Status() twowire.Status {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.Stalled {
		return 0
	}
	// bytes are shifted in lazily so a NackNext issued between polls applies
	// to the byte that follows it
	if tw.reading && tw.active != nil && !tw.final && tw.status&(twowire.RxReady|twowire.Nack) == 0 {
		tw.data = tw.active.Read()
		tw.status |= twowire.RxReady
		tw.final = tw.nackNext
	}
	return tw.status
}

func (tw *TwoWire) ClearNack() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.status &^= twowire.Nack
}

func (tw *TwoWire) WriteData(b byte) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, Event{Kind: "write", Byte: b})
	tw.status &^= twowire.TxReady
	if tw.active != nil && tw.active.Write(b) {
		tw.status |= twowire.TxReady
		return
	}
	tw.status |= twowire.Nack
}

func (tw *TwoWire) ReadData() byte {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, Event{Kind: "read", Byte: tw.data})
	tw.status &^= twowire.RxReady
	return tw.data
}

func (tw *TwoWire) NackNext() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = append(tw.events, Event{Kind: "nack-next"})
	tw.nackNext = true
}

func (tw *TwoWire) SetClock(f physic.Frequency) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.clock = f
	return nil
}

func (tw *TwoWire) Clock() physic.Frequency {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.clock
}

// Events returns a copy of the recorded bus activity.
func (tw *TwoWire) Events() []Event {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return append([]Event(nil), tw.events...)
}

func (tw *TwoWire) ResetEvents() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.events = nil
}

// Written returns the data bytes written since the last reset.
func (tw *TwoWire) Written() []byte {
	var out []byte
	for _, ev := range tw.Events() {
		if ev.Kind == "write" {
			out = append(out, ev.Byte)
		}
	}
	return out
}

// Count returns how many events of kind were recorded.
func (tw *TwoWire) Count(kind string) int {
	n := 0
	for _, ev := range tw.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
