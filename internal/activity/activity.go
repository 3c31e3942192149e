// Package activity tracks process-wide telemetry shared by the HTTP
// API and the websocket broadcaster (spec.md §3 "Activity state"):
// atomic counters, a fixed-capacity ring buffer of recent
// calculations, and a server-load estimate.
package activity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/iron-insights/iron-insights/internal/scoring"
)

// Calculation is one ring-buffer entry: a single user DOTS submission
// (spec.md §3).
type Calculation struct {
	Timestamp time.Time
	Sex       scoring.Sex
	LiftType  scoring.LiftType
	Dots      float64
	Level     scoring.StrengthLevel
}

// State is the process-wide activity tracker. The zero value is not
// usable; construct with New.
type State struct {
	connections       int64
	activeSessions    int64
	totalCalculations int64

	mu   sync.Mutex // guards ring, matching spec.md §5's single producer-side lock
	ring []Calculation
	head int
	size int
}

// New constructs a State with the given ring-buffer capacity.
func New(ringCapacity int) *State {
	if ringCapacity <= 0 {
		ringCapacity = 200
	}
	return &State{ring: make([]Calculation, ringCapacity)}
}

// ConnectionOpened / ConnectionClosed track the websocket accept/close
// lifecycle independent of the Live/Closing session state machine.
func (s *State) ConnectionOpened() { atomic.AddInt64(&s.connections, 1) }
func (s *State) ConnectionClosed() { atomic.AddInt64(&s.connections, -1) }

// SessionBecameLive / SessionClosed track sessions that completed the
// handshake, the "active_users" figure broadcast in StatsUpdate.
func (s *State) SessionBecameLive() { atomic.AddInt64(&s.activeSessions, 1) }
func (s *State) SessionClosed()     { atomic.AddInt64(&s.activeSessions, -1) }

// RecordCalculation appends c to the ring buffer and increments the
// total-calculations counter. Safe for concurrent producers.
func (s *State) RecordCalculation(c Calculation) {
	atomic.AddInt64(&s.totalCalculations, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.head] = c
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// RecentCalculations returns a snapshot of the ring buffer, most
// recent last.
func (s *State) RecentCalculations() []Calculation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Calculation, s.size)
	start := (s.head - s.size + len(s.ring)) % len(s.ring)
	for i := 0; i < s.size; i++ {
		out[i] = s.ring[(start+i)%len(s.ring)]
	}
	return out
}

// Snapshot is the point-in-time view used to build a StatsUpdate
// broadcast (spec.md §4.9).
type Snapshot struct {
	Connections       int64
	ActiveSessions    int64
	TotalCalculations int64
	ServerLoad        float64
}

// Snapshot reads the current counters and a monotonic server-load
// estimate derived from active session count relative to a nominal
// capacity (spec.md §3's "monotonic server-load estimate" — load never
// decreases faster than sessions actually close, since it is a direct
// function of the live counter rather than a smoothed average).
func (s *State) Snapshot(nominalCapacity int) Snapshot {
	if nominalCapacity <= 0 {
		nominalCapacity = 1000
	}
	active := atomic.LoadInt64(&s.activeSessions)
	load := float64(active) / float64(nominalCapacity)
	if load > 1 {
		load = 1
	}
	return Snapshot{
		Connections:       atomic.LoadInt64(&s.connections),
		ActiveSessions:    active,
		TotalCalculations: atomic.LoadInt64(&s.totalCalculations),
		ServerLoad:        load,
	}
}
