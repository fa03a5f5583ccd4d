package audio

import (
	"math"
	"sort"
)

// NoiseProfile keeps the most recent RMS readings in a fixed-capacity ring
// and answers nearest-rank percentile queries over them.
//
// A sorted copy of the ring contents is maintained alongside the ring so a
// percentile lookup is a single index. Not safe for concurrent use; the
// consumer worker is the only writer.
type NoiseProfile struct {
	ring   []float64
	sorted []float64
	next   int
	count  int
}

// NewNoiseProfile creates a profile holding up to capacity readings
func NewNoiseProfile(capacity int) *NoiseProfile {
	if capacity <= 0 {
		capacity = 30
	}
	return &NoiseProfile{
		ring:   make([]float64, capacity),
		sorted: make([]float64, 0, capacity),
	}
}

// Add records a reading, evicting the oldest one when the ring is full
func (p *NoiseProfile) Add(rms float64) {
	if p.count == len(p.ring) {
		p.remove(p.ring[p.next])
	} else {
		p.count++
	}
	p.ring[p.next] = rms
	p.next = (p.next + 1) % len(p.ring)
	p.insert(rms)
}

func (p *NoiseProfile) insert(v float64) {
	i := sort.SearchFloat64s(p.sorted, v)
	p.sorted = append(p.sorted, 0)
	copy(p.sorted[i+1:], p.sorted[i:])
	p.sorted[i] = v
}

func (p *NoiseProfile) remove(v float64) {
	i := sort.SearchFloat64s(p.sorted, v)
	if i < len(p.sorted) && p.sorted[i] == v {
		p.sorted = append(p.sorted[:i], p.sorted[i+1:]...)
	}
}

// Len returns the number of readings held
func (p *NoiseProfile) Len() int {
	return p.count
}

// Percentile returns the nearest-rank pth percentile (0 < p <= 100).
// Returns 0 when the profile is empty.
func (p *NoiseProfile) Percentile(pct float64) float64 {
	n := len(p.sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(pct / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return p.sorted[rank-1]
}

// Floor is the 15th percentile of recent energy
func (p *NoiseProfile) Floor() float64 {
	return p.Percentile(15)
}

// Ceiling is the 85th percentile of recent energy
func (p *NoiseProfile) Ceiling() float64 {
	return p.Percentile(85)
}

// Reset drops all readings
func (p *NoiseProfile) Reset() {
	p.next = 0
	p.count = 0
	p.sorted = p.sorted[:0]
}
