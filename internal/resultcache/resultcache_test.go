package resultcache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

func bw(v float64) *float64 { return &v }

func TestFingerprintStableAcrossEquivalentNoise(t *testing.T) {
	r1 := filter.Request{Sex: "M", LiftType: scoring.Squat, BodyweightKg: bw(75.001), Squat: bw(180.004)}
	r2 := filter.Request{Sex: "M", LiftType: scoring.Squat, BodyweightKg: bw(75.002), Squat: bw(180.001)}

	fp1 := Fingerprint(r1, 50, 1, "ds1")
	fp2 := Fingerprint(r2, 50, 1, "ds1")
	if fp1 != fp2 {
		t.Errorf("fingerprints should collapse sub-centigram noise: %s vs %s", fp1, fp2)
	}
}

func TestFingerprintChangesWithDataset(t *testing.T) {
	r := filter.Request{Sex: "M", LiftType: scoring.Squat}
	fp1 := Fingerprint(r, 50, 1, "ds1")
	fp2 := Fingerprint(r, 50, 1, "ds2")
	if fp1 == fp2 {
		t.Error("fingerprint must change when dataset fingerprint changes")
	}
}

func TestFingerprintNormalizesEquipmentAndWeightClass(t *testing.T) {
	r1 := filter.Request{Sex: "M", Equipment: []string{"Wraps", "Raw"}, WeightClass: "120+"}
	r2 := filter.Request{Sex: "M", Equipment: []string{"Raw", "Wraps"}, WeightClass: "120kg+"}
	if Fingerprint(r1, 50, 1, "ds") != Fingerprint(r2, 50, 1, "ds") {
		t.Error("equivalent equipment/weight-class forms should hash identically")
	}
}

func TestGetOrBuildCachesAndReportsCached(t *testing.T) {
	c := New(10, time.Hour)

	calls := int32(0)
	build := func() (*Entry, error) {
		atomic.AddInt32(&calls, 1)
		return &Entry{Payload: []byte("hello"), RecordCount: 1}, nil
	}

	e1, cached1, err := c.GetOrBuild("fp", build)
	if err != nil {
		t.Fatal(err)
	}
	if cached1 {
		t.Error("first call should not be reported as cached")
	}

	e2, cached2, err := c.GetOrBuild("fp", build)
	if err != nil {
		t.Fatal(err)
	}
	if !cached2 {
		t.Error("second call should be reported as cached")
	}
	if string(e1.Payload) != string(e2.Payload) {
		t.Error("cached payload should be byte-equal")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("build should run exactly once, ran %d times", calls)
	}
}

func TestGetOrBuildSingleFlight(t *testing.T) {
	c := New(10, time.Hour)
	var calls int32

	build := func() (*Entry, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &Entry{Payload: []byte("x")}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := c.GetOrBuild("same-key", build); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly one build under concurrent identical requests, got %d", got)
	}
}

func TestGetOrBuildErrorNotInserted(t *testing.T) {
	c := New(10, time.Hour)
	wantErr := errors.New("boom")

	_, _, err := c.GetOrBuild("fp", func() (*Entry, error) {
		return nil, wantErr
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if c.Len() != 0 {
		t.Errorf("failed build must not leave an entry in the cache, got Len()=%d", c.Len())
	}
}

func TestSetDatasetFingerprintClearsOnChange(t *testing.T) {
	c := New(10, time.Hour)
	c.SetDatasetFingerprint("ds1")

	_, _, _ = c.GetOrBuild("fp", func() (*Entry, error) {
		return &Entry{Payload: []byte("x")}, nil
	})
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}

	c.SetDatasetFingerprint("ds2")
	if c.Len() != 0 {
		t.Errorf("dataset fingerprint change should clear the cache, got Len()=%d", c.Len())
	}
}
