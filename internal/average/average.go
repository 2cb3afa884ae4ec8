// Package average implements the fixed-window moving average used to smooth
// temperature samples.
package average

const DefaultCapacity = 64

// Buffer is a ring of the most recent samples with a running sum.
// Invariants: sum equals the sum of the live samples, count <= capacity.
type Buffer struct {
	samples []float32
	next    int
	count   int
	sum     float64
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{samples: make([]float32, capacity)}
}

// Add inserts v, evicting the oldest sample when full, and returns the new average.
func (b *Buffer) Add(v float32) float32 {
	if b.count == len(b.samples) {
		b.sum -= float64(b.samples[b.next])
	} else {
		b.count++
	}
	b.samples[b.next] = v
	b.sum += float64(v)
	b.next = (b.next + 1) % len(b.samples)
	return b.Average()
}

func (b *Buffer) Average() float32 {
	n := b.count
	if n < 1 {
		n = 1
	}
	return float32(b.sum / float64(n))
}

func (b *Buffer) Len() int {
	return b.count
}

func (b *Buffer) Cap() int {
	return len(b.samples)
}

func (b *Buffer) Sum() float64 {
	return b.sum
}

// Values returns the live samples from oldest to newest.
func (b *Buffer) Values() []float32 {
	out := make([]float32, 0, b.count)
	start := (b.next - b.count + len(b.samples)) % len(b.samples)
	for i := 0; i < b.count; i++ {
		out = append(out, b.samples[(start+i)%len(b.samples)])
	}
	return out
}
