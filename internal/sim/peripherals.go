package sim

import (
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Pin is a simulated digital output that records every level written to it.
type Pin struct {
	mu      sync.Mutex
	name    string
	level   gpio.Level
	history []gpio.Level
	onWrite func(gpio.Level)
}

func NewPin(name string) *Pin {
	return &Pin{name: name}
}

func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	prev := p.level
	p.level = l
	p.history = append(p.history, l)
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil && prev != l {
		hook(l)
	}
	return nil
}

// Preset sets the level the pin idles at without recording a write.
func (p *Pin) Preset(l gpio.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = l
}

func (p *Pin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *Pin) String() string { return p.name }

func (p *Pin) History() []gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gpio.Level(nil), p.history...)
}

// Toggles counts level changes in the recorded history.
func (p *Pin) Toggles() int {
	h := p.History()
	n := 0
	prev := gpio.Low
	for _, l := range h {
		if l != prev {
			n++
		}
		prev = l
	}
	return n
}

// ADC simulates a converter that raises its completion interrupt a fixed
// delay after each start-of-conversion.
type ADC struct {
	mu      sync.Mutex
	raw     uint16
	handler func()
	delay   time.Duration

	Starts int
	Acks   int
}

func NewADC(delay time.Duration) *ADC {
	return &ADC{delay: delay}
}

func (a *ADC) Attach(handler func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *ADC) Start() error {
	a.mu.Lock()
	a.Starts++
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		time.AfterFunc(a.delay, h)
	}
	return nil
}

func (a *ADC) Result() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raw
}

func (a *ADC) Acknowledge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks++
}

func (a *ADC) SetRaw(raw uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raw = raw & 0x0FFF
}

// SetVoltage sets the code a 12-bit converter with reference vref would produce.
func (a *ADC) SetVoltage(v, vref float64) {
	code := math.Round(v / vref * 4095)
	a.SetRaw(uint16(math.Max(0, math.Min(4095, code))))
}

func (a *ADC) Counts() (starts, acks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Starts, a.Acks
}

// Ultrasonic simulates an HC-SR04 style module wired to a dual-edge capture
// channel. A high-to-low transition on the trigger pin produces an echo whose
// width is latched by the capture timer, together with the sequence number of
// the arm that produced it.
type Ultrasonic struct {
	mu         sync.Mutex
	trigger    *Pin
	handler    func()
	ticks      uint32
	latched    uint32
	latchedSeq uint32
	seq        uint32
	armed      bool
	delay      time.Duration
	noEcho     bool
	Clears     int
	Captures   int
}

func NewUltrasonic(delay time.Duration) *Ultrasonic {
	u := &Ultrasonic{trigger: NewPin("ultrasonic-trigger"), delay: delay}
	u.trigger.onWrite = u.onTrigger
	return u
}

func (u *Ultrasonic) TriggerPin() *Pin { return u.trigger }

func (u *Ultrasonic) Attach(handler func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = handler
}

// SetDistance sets the echo width for a target cm away at 5800 ticks per cm.
func (u *Ultrasonic) SetDistance(cm float64) {
	u.SetTicks(uint32(math.Round(cm * 2 * 5800)))
}

func (u *Ultrasonic) SetTicks(ticks uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ticks = ticks
}

// SetNoEcho suppresses echoes, as when nothing is in range.
func (u *Ultrasonic) SetNoEcho(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.noEcho = v
}

// SetDelay changes how long after the trigger the echo completes.
func (u *Ultrasonic) SetDelay(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delay = d
}

// Arm enables one capture and returns its sequence number.
func (u *Ultrasonic) Arm() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq++
	u.armed = true
	return u.seq
}

func (u *Ultrasonic) Captured() (ticks, seq uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.latched, u.latchedSeq
}

func (u *Ultrasonic) ClearFlags() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Clears++
}

func (u *Ultrasonic) onTrigger(l gpio.Level) {
	if l != gpio.Low {
		return
	}
	u.mu.Lock()
	if !u.armed || u.noEcho || u.handler == nil {
		u.mu.Unlock()
		return
	}
	u.armed = false
	ticks, seq, delay := u.ticks, u.seq, u.delay
	h := u.handler
	u.mu.Unlock()

	time.AfterFunc(delay, func() {
		u.mu.Lock()
		u.latched = ticks
		u.latchedSeq = seq
		u.Captures++
		u.mu.Unlock()
		h()
	})
}
