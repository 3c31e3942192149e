package vectorengine

import (
	"testing"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

func bw(v float64) *float64 { return &v }

func buildDataset(n int) *dataset.Dataset {
	d := &dataset.Dataset{Fingerprint: "test", SchemaVersion: dataset.SchemaVersion}
	for i := 0; i < n; i++ {
		sex := scoring.Male
		if i%2 == 0 {
			sex = scoring.Female
		}
		squat := 100.0 + float64(i)
		d.Sex = append(d.Sex, sex)
		d.Equipment = append(d.Equipment, "Raw")
		d.BodyweightKg = append(d.BodyweightKg, 80)
		d.WeightClass = append(d.WeightClass, "83kg")
		d.Federation = append(d.Federation, "USAPL")
		d.Year = append(d.Year, 2024)
		d.Squat = append(d.Squat, squat)
		d.Bench = append(d.Bench, 0)
		d.Deadlift = append(d.Deadlift, 0)
		d.Total = append(d.Total, 0)
		d.DotsSquat = append(d.DotsSquat, scoring.DOTS(squat, 80, sex))
		d.DotsBench = append(d.DotsBench, dataset.NaNSentinel)
		d.DotsDeadlift = append(d.DotsDeadlift, dataset.NaNSentinel)
		d.DotsTotal = append(d.DotsTotal, dataset.NaNSentinel)
	}
	return d
}

func fullView(d *dataset.Dataset) filter.View {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	return filter.View{Dataset: d, Indices: idx}
}

func TestVisualizeEmptyViewReturnsZeroRecords(t *testing.T) {
	d := buildDataset(0)
	out := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{})
	if out.RecordCount != 0 {
		t.Fatalf("expected RecordCount 0, got %d", out.RecordCount)
	}
	if out.RawHistogram != nil || out.RawScatter != nil {
		t.Error("empty view must not produce histogram or scatter rows")
	}
}

func TestVisualizeHistogramBinCountFixed(t *testing.T) {
	d := buildDataset(500)
	out := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{HistogramBins: 20})
	if len(out.RawHistogram) != 20 {
		t.Errorf("expected 20 bins, got %d", len(out.RawHistogram))
	}
	var total float64
	for _, b := range out.RawHistogram {
		total += b.Count
	}
	if int(total) != 500 {
		t.Errorf("histogram counts should sum to row count: got %v want 500", total)
	}
}

func TestVisualizeMaxValueFallsInLastBin(t *testing.T) {
	d := buildDataset(100)
	out := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{HistogramBins: 10})
	last := out.RawHistogram[len(out.RawHistogram)-1]
	if last.Count == 0 {
		t.Error("the max-value row must land in the last bin, not overflow it")
	}
}

func TestVisualizeSamplingCapsRowsButKeepsRecordCount(t *testing.T) {
	d := buildDataset(1000)
	out := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{SampleSize: 100, Seed: "fp-a"})
	if out.RecordCount != 1000 {
		t.Errorf("RecordCount should reflect the pre-sample filtered set, got %d", out.RecordCount)
	}
	if len(out.RawScatter) != 100 {
		t.Errorf("scatter rows should be capped at the sample size, got %d", len(out.RawScatter))
	}
}

func TestVisualizeSamplingDeterministicForSameSeed(t *testing.T) {
	d := buildDataset(1000)
	out1 := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{SampleSize: 50, Seed: "same"})
	out2 := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{SampleSize: 50, Seed: "same"})
	for i := range out1.RawScatter {
		if out1.RawScatter[i] != out2.RawScatter[i] {
			t.Fatalf("same seed should produce the same sample, differs at row %d", i)
		}
	}
}

func TestVisualizeUserPercentileRequiresBodyweightAndLift(t *testing.T) {
	d := buildDataset(100)
	out := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{})
	if out.UserPercentileRaw != nil {
		t.Error("percentile must be nil without a user-supplied lift value")
	}

	out2 := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat, BodyweightKg: bw(80), Squat: bw(1000000)}, Options{})
	if out2.UserPercentileRaw == nil {
		t.Fatal("expected a percentile once bodyweight and lift are supplied")
	}
	if *out2.UserPercentileRaw < 99.0 {
		t.Errorf("an extreme lift value should land near the 100th percentile, got %v", *out2.UserPercentileRaw)
	}
}

func buildTotalDataset(n int) *dataset.Dataset {
	d := &dataset.Dataset{Fingerprint: "test-total", SchemaVersion: dataset.SchemaVersion}
	for i := 0; i < n; i++ {
		sex := scoring.Male
		total := 400.0 + float64(i)
		d.Sex = append(d.Sex, sex)
		d.Equipment = append(d.Equipment, "Raw")
		d.BodyweightKg = append(d.BodyweightKg, 80)
		d.WeightClass = append(d.WeightClass, "83kg")
		d.Federation = append(d.Federation, "USAPL")
		d.Year = append(d.Year, 2024)
		d.Squat = append(d.Squat, 0)
		d.Bench = append(d.Bench, 0)
		d.Deadlift = append(d.Deadlift, 0)
		d.Total = append(d.Total, total)
		d.DotsSquat = append(d.DotsSquat, dataset.NaNSentinel)
		d.DotsBench = append(d.DotsBench, dataset.NaNSentinel)
		d.DotsDeadlift = append(d.DotsDeadlift, dataset.NaNSentinel)
		d.DotsTotal = append(d.DotsTotal, scoring.DOTS(total, 80, sex))
	}
	return d
}

func TestVisualizeTotalApportionsUserValueOntoScatter(t *testing.T) {
	d := buildTotalDataset(100)
	req := filter.Request{LiftType: scoring.Total, BodyweightKg: bw(80), Squat: bw(600)}

	base := Visualize(fullView(d), filter.Request{LiftType: scoring.Total}, Options{})
	out := Visualize(fullView(d), req, Options{})

	if len(base.RawScatter) == 0 {
		t.Fatal("fixture dataset should produce a non-empty base scatter")
	}
	if len(out.RawScatter) != len(base.RawScatter)+3 {
		t.Fatalf("expected 3 apportioned points appended, got %d extra", len(out.RawScatter)-len(base.RawScatter))
	}
	if len(out.DotsScatter) != len(base.DotsScatter)+3 {
		t.Fatalf("expected 3 apportioned DOTS points appended, got %d extra", len(out.DotsScatter)-len(base.DotsScatter))
	}

	squat, bench, deadlift, ok := req.ApportionedLifts()
	if !ok {
		t.Fatal("expected apportionment to apply for lift_type=total")
	}
	got := []float64{
		out.RawScatter[len(out.RawScatter)-3].Y,
		out.RawScatter[len(out.RawScatter)-2].Y,
		out.RawScatter[len(out.RawScatter)-1].Y,
	}
	want := []float64{squat, bench, deadlift}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("apportioned point %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestVisualizeNonTotalDoesNotApportion(t *testing.T) {
	d := buildDataset(100)
	req := filter.Request{LiftType: scoring.Squat, BodyweightKg: bw(80), Squat: bw(600)}
	out := Visualize(fullView(d), req, Options{})

	base := Visualize(fullView(d), filter.Request{LiftType: scoring.Squat}, Options{})
	if len(out.RawScatter) != len(base.RawScatter) {
		t.Error("non-total lift requests must not get an apportioned overlay")
	}
}
