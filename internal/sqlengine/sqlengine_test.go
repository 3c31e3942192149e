package sqlengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	d := &dataset.Dataset{Fingerprint: "fp-test", SchemaVersion: dataset.SchemaVersion}
	sexes := []scoring.Sex{scoring.Male, scoring.Female}
	for i := 0; i < 200; i++ {
		sex := sexes[i%2]
		squat := 100.0 + float64(i%50)*2
		bw := 70.0 + float64(i%30)
		d.Sex = append(d.Sex, sex)
		d.Equipment = append(d.Equipment, "Raw")
		d.BodyweightKg = append(d.BodyweightKg, bw)
		d.WeightClass = append(d.WeightClass, "83kg")
		d.Federation = append(d.Federation, "USAPL")
		d.Year = append(d.Year, 2023+i%3)
		d.Squat = append(d.Squat, squat)
		d.Bench = append(d.Bench, squat*0.7)
		d.Deadlift = append(d.Deadlift, squat*1.2)
		d.Total = append(d.Total, squat*2.9)
		d.DotsSquat = append(d.DotsSquat, scoring.DOTS(squat, bw, sex))
		d.DotsBench = append(d.DotsBench, scoring.DOTS(squat*0.7, bw, sex))
		d.DotsDeadlift = append(d.DotsDeadlift, scoring.DOTS(squat*1.2, bw, sex))
		d.DotsTotal = append(d.DotsTotal, scoring.DOTS(squat*2.9, bw, sex))
	}
	return d
}

func TestOpenAndPercentilesBy(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	rows, err := e.PercentilesBy(context.Background(), d, filter.Request{Sex: "M", LiftType: scoring.Squat}, "weight_class")
	require.NoError(t, err)
	require.Len(t, rows, 1, "only one weight class present in the test dataset")
	require.Greater(t, rows[0].Count, int64(0))
	require.LessOrEqual(t, rows[0].P25, rows[0].P50)
	require.LessOrEqual(t, rows[0].P50, rows[0].P75)
	require.LessOrEqual(t, rows[0].P75, rows[0].P90)
	require.LessOrEqual(t, rows[0].P90, rows[0].P95)
	require.LessOrEqual(t, rows[0].P95, rows[0].P99)
}

func TestPercentilesByGroupsBySexAndEquipment(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	bySex, err := e.PercentilesBy(context.Background(), d, filter.Request{LiftType: scoring.Squat}, "sex")
	require.NoError(t, err)
	require.Len(t, bySex, 2, "dataset has both sexes")

	byEquipment, err := e.PercentilesBy(context.Background(), d, filter.Request{LiftType: scoring.Squat}, "equipment")
	require.NoError(t, err)
	require.Len(t, byEquipment, 1, "only Raw present in the test dataset")
}

func TestPercentilesByUnknownGroupIsError(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.PercentilesBy(context.Background(), d, filter.Request{LiftType: scoring.Squat}, "nonsense")
	require.Error(t, err)
}

func TestWeightDistributionHonorsBinsAndCoversRange(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	buckets, err := e.WeightDistribution(context.Background(), d, filter.Request{LiftType: scoring.Squat}, 5)
	require.NoError(t, err)
	require.Len(t, buckets, 5)

	var total int64
	for i, b := range buckets {
		require.LessOrEqual(t, b.BucketLo, b.BucketHi)
		total += b.Count
		if i > 0 {
			require.InDelta(t, buckets[i-1].BucketHi, b.BucketLo, 1e-9)
		}
	}
	require.Equal(t, int64(200), total)
}

func TestCompetitivePositionPercentileInRange(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	pos, err := e.CompetitivePosition(context.Background(), d, filter.Request{Sex: "M", LiftType: scoring.Squat}, 400)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos.Percentile, 0.0)
	require.LessOrEqual(t, pos.Percentile, 100.0)
	require.GreaterOrEqual(t, pos.Rank, int64(1))
	require.LessOrEqual(t, pos.Rank, pos.Total)
}

func TestSummaryStatsMatchesRowCount(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	stats, err := e.SummaryStats(context.Background(), d, filter.Request{Sex: "M", LiftType: scoring.Squat})
	require.NoError(t, err)
	require.Greater(t, stats.Count, int64(0))
	require.LessOrEqual(t, stats.Min, stats.Mean)
	require.LessOrEqual(t, stats.Mean, stats.Max)
}

func TestReloadSkipsUnchangedFingerprint(t *testing.T) {
	d := testDataset(t)
	e, err := Open(d, Options{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Reload(d))
	require.Equal(t, d.Fingerprint, e.fingerprint)
}
