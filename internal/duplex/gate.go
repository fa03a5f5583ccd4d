// Package duplex coordinates capture suppression with speech playback.
package duplex

import (
	"sync/atomic"
	"time"
)

// Gate is the shared duplex state. The playback side writes it, the capture
// and consumer side only read it; all fields are atomic so readers on the
// capture path never take a lock.
//
// TTSActive is true while any of these hold:
//   - an item has been submitted and not yet played (pending > 0)
//   - an item is playing and the early-listen window has not opened
//   - the post-playback cooldown has not elapsed
type Gate struct {
	pending     atomic.Int64
	speaking    atomic.Bool
	earlyListen atomic.Bool
	// monotonic nanoseconds since epoch; 0 means no cooldown
	cooldownUntil atomic.Int64

	epoch time.Time
	now   func() time.Time
}

// NewGate creates an open gate
func NewGate() *Gate {
	return NewGateWithClock(time.Now)
}

// NewGateWithClock creates a gate reading time from now
func NewGateWithClock(now func() time.Time) *Gate {
	return &Gate{epoch: now(), now: now}
}

func (g *Gate) since() int64 {
	// never 0 so a cooldown starting at the epoch is still recorded
	return int64(g.now().Sub(g.epoch)) + 1
}

// Reserve marks an item as submitted for playback
func (g *Gate) Reserve() {
	g.pending.Add(1)
}

// Release drops a reservation without playing it
func (g *Gate) Release() {
	if g.pending.Add(-1) < 0 {
		g.pending.Store(0)
	}
}

// BeginPlayback converts one reservation into an active playback
func (g *Gate) BeginPlayback() {
	g.earlyListen.Store(false)
	g.speaking.Store(true)
	g.cooldownUntil.Store(0)
	g.Release()
}

// OpenEarlyListen lets capture resume while the tail of the current item
// is still playing. No effect when nothing is playing.
func (g *Gate) OpenEarlyListen() {
	if g.speaking.Load() {
		g.earlyListen.Store(true)
	}
}

// EndPlayback marks the current item finished. When the early-listen window
// was not opened, capture stays muted for cooldown.
func (g *Gate) EndPlayback(cooldown time.Duration) {
	opened := g.earlyListen.Load()
	if !opened && cooldown > 0 {
		g.cooldownUntil.Store(g.since() + int64(cooldown))
	}
	g.speaking.Store(false)
	g.earlyListen.Store(false)
}

// Reset clears all state, releasing capture immediately
func (g *Gate) Reset() {
	g.pending.Store(0)
	g.speaking.Store(false)
	g.earlyListen.Store(false)
	g.cooldownUntil.Store(0)
}

// IsSpeaking reports whether an item is playing
func (g *Gate) IsSpeaking() bool {
	return g.speaking.Load()
}

// TTSActive reports whether capture must be suppressed
func (g *Gate) TTSActive() bool {
	if g.pending.Load() > 0 {
		return true
	}
	if g.speaking.Load() && !g.earlyListen.Load() {
		return true
	}
	return g.inCooldown()
}

// Muted is an alias of TTSActive for the capture side
func (g *Gate) Muted() bool {
	return g.TTSActive()
}

func (g *Gate) inCooldown() bool {
	until := g.cooldownUntil.Load()
	return until != 0 && g.since() < until
}

// CooldownDeadline returns the end of the current cooldown, zero if none
func (g *Gate) CooldownDeadline() time.Time {
	until := g.cooldownUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return g.epoch.Add(time.Duration(until - 1))
}

// Pending returns the number of submitted items not yet playing
func (g *Gate) Pending() int {
	return int(g.pending.Load())
}
