package sim

import (
	"math"
	"sync"
)

const (
	dht20Address    = 0x38
	dht20Status     = 0x71
	dht20Trigger    = 0xAC
	dht20Calibrated = 0x18
	dht20Busy       = 0x80
)

var dht20ResetRegisters = map[byte]bool{0x1B: true, 0x1C: true, 0x1E: true}

// write-back command byte to register
var dht20ResetWrites = map[byte]byte{0xB0 | 0x1B: 0x1B, 0xB0 | 0x1C: 0x1C, 0xB0 | 0x1E: 0x1E}

// DHT20 simulates the humidity/temperature sensor's command set.
type DHT20 struct {
	mu sync.Mutex

	calibrated bool
	registers  map[byte][2]byte
	restored   map[byte]bool
	humidity   uint32
	temp       uint32

	cmd       []byte
	pending   []byte
	busy      int
	measuring bool

	// Absent makes the sensor NACK its address.
	Absent bool
	// BusyReads is how many result reads report busy after each trigger.
	BusyReads int
	// NackCommand makes the sensor NACK this command byte (0 disables).
	NackCommand byte

	Triggers int
	Resets   int
}

var _ Target = (*DHT20)(nil)

func NewDHT20(calibrated bool) *DHT20 {
	d := &DHT20{
		calibrated: calibrated,
		registers: map[byte][2]byte{
			0x1B: {0x12, 0x34},
			0x1C: {0x56, 0x78},
			0x1E: {0x9A, 0xBC},
		},
		restored: map[byte]bool{},
	}
	d.SetEnvironment(50, 25)
	return d
}

func (d *DHT20) Address() uint16 { return dht20Address }

// SetEnvironment sets the conditions the next measurement reports.
func (d *DHT20) SetEnvironment(humidityPercent, tempC float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.humidity = raw20(humidityPercent / 100)
	d.temp = raw20((tempC + 50) / 200)
}

func (d *DHT20) SetRaw(humidity, temp uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.humidity = humidity & 0xFFFFF
	d.temp = temp & 0xFFFFF
}

func (d *DHT20) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrated
}

func (d *DHT20) Begin(read bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Absent {
		return false
	}
	if !read {
		d.cmd = d.cmd[:0]
	}
	return true
}

func (d *DHT20) Write(b byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NackCommand != 0 && len(d.cmd) == 0 && b == d.NackCommand {
		return false
	}
	d.cmd = append(d.cmd, b)
	return true
}

func (d *DHT20) Read() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0xFF
	}
	b := d.pending[0]
	d.pending = d.pending[1:]
	return b
}

// End runs the command collected during a write transaction and prepares the
// bytes the following read returns.
func (d *DHT20) End() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cmd) == 0 {
		// a read transaction finished; re-arm a pending measurement result
		if d.measuring {
			d.pending = d.result()
		}
		return
	}
	cmd := d.cmd
	d.cmd = nil

	switch {
	case cmd[0] == dht20Status:
		d.pending = []byte{d.statusByte()}
		d.measuring = false
	case cmd[0] == dht20Trigger && len(cmd) == 3:
		d.Triggers++
		d.busy = d.BusyReads
		d.measuring = true
		d.pending = d.result()
	case dht20ResetRegisters[cmd[0]] && len(cmd) == 3:
		v := d.registers[cmd[0]]
		d.pending = []byte{d.statusByte(), v[0], v[1]}
		d.measuring = false
	case dht20ResetWrites[cmd[0]] != 0 && len(cmd) == 3:
		reg := dht20ResetWrites[cmd[0]]
		d.registers[reg] = [2]byte{cmd[1], cmd[2]}
		d.restored[reg] = true
		d.Resets++
		if len(d.restored) == len(dht20ResetRegisters) {
			d.calibrated = true
		}
		d.measuring = false
	}
}

func (d *DHT20) statusByte() byte {
	if d.calibrated {
		return dht20Calibrated
	}
	return 0
}

func (d *DHT20) result() []byte {
	st := d.statusByte()
	if d.busy > 0 {
		d.busy--
		st |= dht20Busy
	}
	h, t := d.humidity, d.temp
	return []byte{
		st,
		byte(h >> 12),
		byte(h >> 4),
		byte(h<<4) | byte(t>>16)&0x0F,
		byte(t >> 8),
		byte(t),
	}
}

func raw20(fraction float64) uint32 {
	v := math.Round(fraction * (1 << 20))
	if v < 0 {
		return 0
	}
	if v > 0xFFFFF {
		return 0xFFFFF
	}
	return uint32(v)
}
