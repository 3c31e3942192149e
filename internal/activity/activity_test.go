package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/iron-insights/iron-insights/internal/scoring"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	s := New(10)
	s.ConnectionOpened()
	s.ConnectionOpened()
	s.SessionBecameLive()
	s.RecordCalculation(Calculation{Dots: 300, LiftType: scoring.Squat})

	snap := s.Snapshot(100)
	if snap.Connections != 2 {
		t.Errorf("expected 2 connections, got %d", snap.Connections)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", snap.ActiveSessions)
	}
	if snap.TotalCalculations != 1 {
		t.Errorf("expected 1 calculation, got %d", snap.TotalCalculations)
	}
}

func TestServerLoadCappedAtOne(t *testing.T) {
	s := New(10)
	for i := 0; i < 20; i++ {
		s.SessionBecameLive()
	}
	snap := s.Snapshot(10)
	if snap.ServerLoad != 1 {
		t.Errorf("expected load capped at 1.0, got %v", snap.ServerLoad)
	}
}

func TestRingBufferWrapsAndKeepsMostRecentLast(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.RecordCalculation(Calculation{Dots: float64(i), Timestamp: time.Unix(int64(i), 0)})
	}
	recent := s.RecentCalculations()
	if len(recent) != 3 {
		t.Fatalf("expected ring buffer capped at 3, got %d", len(recent))
	}
	if recent[len(recent)-1].Dots != 4 {
		t.Errorf("most recent calculation should be last, got %v", recent[len(recent)-1].Dots)
	}
	if recent[0].Dots != 2 {
		t.Errorf("oldest surviving calculation should be first, got %v", recent[0].Dots)
	}
}

func TestRecordCalculationConcurrentSafe(t *testing.T) {
	s := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordCalculation(Calculation{Dots: float64(i)})
		}(i)
	}
	wg.Wait()

	if got := s.Snapshot(100).TotalCalculations; got != 100 {
		t.Errorf("expected 100 total calculations, got %d", got)
	}
	if len(s.RecentCalculations()) != 50 {
		t.Errorf("ring buffer should be full at capacity, got %d", len(s.RecentCalculations()))
	}
}
