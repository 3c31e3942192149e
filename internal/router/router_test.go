package router

import (
	"context"
	"testing"
	"time"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/resultcache"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

func testDataset() *dataset.Dataset {
	d := &dataset.Dataset{Fingerprint: "fp1", SchemaVersion: dataset.SchemaVersion}
	for i := 0; i < 100; i++ {
		sex := scoring.Male
		bw := 80.0
		squat := 150.0 + float64(i)
		d.Sex = append(d.Sex, sex)
		d.Equipment = append(d.Equipment, "Raw")
		d.BodyweightKg = append(d.BodyweightKg, bw)
		d.WeightClass = append(d.WeightClass, "83kg")
		d.Federation = append(d.Federation, "USAPL")
		d.Year = append(d.Year, 2023)
		d.Squat = append(d.Squat, squat)
		d.Bench = append(d.Bench, 0)
		d.Deadlift = append(d.Deadlift, 0)
		d.Total = append(d.Total, 0)
		d.DotsSquat = append(d.DotsSquat, scoring.DOTS(squat, bw, sex))
		d.DotsBench = append(d.DotsBench, dataset.NaNSentinel)
		d.DotsDeadlift = append(d.DotsDeadlift, dataset.NaNSentinel)
		d.DotsTotal = append(d.DotsTotal, dataset.NaNSentinel)
	}
	return d
}

func TestVisualizeCachesSecondCall(t *testing.T) {
	d := testDataset()
	cache := resultcache.New(10, time.Hour)
	cache.SetDatasetFingerprint(d.Fingerprint)
	rt := New(d, nil, cache, 50, 10)

	req := filter.Request{Sex: "M", LiftType: scoring.Squat, Equipment: []string{"Raw"}, YearsFilter: "all"}

	res1, err := rt.Visualize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res1.Cached {
		t.Error("first call should not be cached")
	}

	res2, err := rt.Visualize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Cached {
		t.Error("second identical call should be cached")
	}
	if string(res1.Encoded) != string(res2.Encoded) {
		t.Error("cached payload must be byte-identical")
	}
}

func TestSQLShapedEndpointsErrorWithoutEngine(t *testing.T) {
	d := testDataset()
	cache := resultcache.New(10, time.Hour)
	cache.SetDatasetFingerprint(d.Fingerprint)
	rt := New(d, nil, cache, 50, 10)

	if _, err := rt.PercentilesBy(context.Background(), filter.Request{}, "weight_class"); err == nil {
		t.Error("expected an error when the SQL engine is not initialized")
	}
	if _, err := rt.SummaryStats(context.Background(), filter.Request{}); err == nil {
		t.Error("expected an error when the SQL engine is not initialized")
	}
}

func TestReloadSwapsDatasetAtomically(t *testing.T) {
	d1 := testDataset()
	cache := resultcache.New(10, time.Hour)
	cache.SetDatasetFingerprint(d1.Fingerprint)
	rt := New(d1, nil, cache, 50, 10)

	if got := rt.DatasetFingerprint(); got != d1.Fingerprint {
		t.Fatalf("DatasetFingerprint() = %q, want %q", got, d1.Fingerprint)
	}

	d2 := testDataset()
	d2.Fingerprint = "fp2"
	if err := rt.Reload(d2); err != nil {
		t.Fatal(err)
	}
	if got := rt.DatasetFingerprint(); got != "fp2" {
		t.Errorf("DatasetFingerprint() after Reload = %q, want fp2", got)
	}
}

func TestCompetitiveAnalysisRequiresBodyweightAndLift(t *testing.T) {
	d := testDataset()
	cache := resultcache.New(10, time.Hour)
	rt := New(d, nil, cache, 50, 10)

	_, err := rt.CompetitiveAnalysis(context.Background(), filter.Request{LiftType: scoring.Squat})
	if err == nil {
		t.Error("expected BadRequest when bodyweight/lift are missing")
	}
}
