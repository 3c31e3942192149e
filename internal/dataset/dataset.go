// Package dataset loads the static competition dataset once at
// startup, normalizes it, and exposes a read-only in-memory columnar
// table (spec.md §4.1). Nothing in this package mutates the returned
// Dataset after Load returns; it is safe to share across goroutines
// without synchronization.
package dataset

import (
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iron-insights/iron-insights/internal/scoring"
	"github.com/iron-insights/iron-insights/pkg/log"
)

// SchemaVersion is a monotone integer bumped whenever the column
// layout of Dataset changes. It is mixed into every cache fingerprint
// (spec.md §4.7) so that a schema change invalidates old cache keys.
const SchemaVersion = 1

// NaNSentinel replaces an invalid (NaN/Inf) DOTS value so it can be
// stored in a plain float64 column and still be recognized as invalid
// by IsValidDOTS.
var NaNSentinel = math.NaN()

// BodyweightMin and BodyweightMax bound the accepted bodyweight range
// at load time (spec.md §8 boundary behavior): 30 and 300 kg are
// accepted, 29.99 and 300.01 are rejected.
const (
	BodyweightMin = 30.0
	BodyweightMax = 300.0
)

// Dataset is a read-only, process-wide columnar table of lifter
// records plus a schema descriptor. Every slice has the same length
// (Len()). There are no writers after Load returns.
type Dataset struct {
	Sex         []scoring.Sex
	Equipment   []string
	BodyweightKg []float64
	WeightClass []string
	Federation  []string
	Year        []int

	Squat, Bench, Deadlift, Total                 []float64
	DotsSquat, DotsBench, DotsDeadlift, DotsTotal []float64

	Fingerprint   string
	SchemaVersion int

	yearsDesc []int // cached, sorted descending, computed once at load
}

// Len returns the row count.
func (d *Dataset) Len() int { return len(d.Sex) }

// DistinctYearsDesc returns the distinct year values present in the
// dataset, sorted descending (most recent first).
func (d *Dataset) DistinctYearsDesc() []int {
	if d.yearsDesc == nil && len(d.Year) > 0 {
		seen := make(map[int]struct{})
		years := make([]int, 0)
		for _, y := range d.Year {
			if _, ok := seen[y]; y == 0 || ok {
				continue
			}
			seen[y] = struct{}{}
			years = append(years, y)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(years)))
		return years
	}
	return d.yearsDesc
}

// IsValidDOTS reports whether a DOTS value is the real computed value
// rather than the NaN sentinel used for invalid rows.
func IsValidDOTS(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// rawRow is the pre-normalization shape of one source record.
type rawRow struct {
	sex         string
	equipment   string
	bodyweight  float64
	squat       float64 // NaN if absent
	bench       float64
	deadlift    float64
	total       float64
	weightClass string
	federation  string
	date        time.Time
}

// Load reads a columnar dataset file (CSV) at path and returns a
// normalized, immutable Dataset. If path does not exist, Load
// synthesizes a deterministic sample dataset large enough to exercise
// every response branch and logs a warning rather than failing
// (spec.md §4.1, §7 DataUnavailable is never raised per-request).
func Load(path string) (*Dataset, error) {
	var rows []rawRow
	var fingerprint string

	if path == "" {
		log.Warn("DATASET: no dataset_path configured, synthesizing sample dataset")
		rows = synthesize(10000)
		fingerprint = fingerprintString("synthetic", 0, 0, len(rows))
	} else {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("DATASET: open %s: %w", path, err)
			}
			log.Warnf("DATASET: %s not found, synthesizing sample dataset", path)
			rows = synthesize(10000)
			fingerprint = fingerprintString("synthetic", 0, 0, len(rows))
		} else {
			defer f.Close()
			info, statErr := f.Stat()
			rows, err = parseCSV(f)
			if err != nil {
				return nil, fmt.Errorf("DATASET: %w", err)
			}
			var size int64
			var mtime time.Time
			if statErr == nil && info != nil {
				size = info.Size()
				mtime = info.ModTime()
			}
			fingerprint = fingerprintString(path, size, mtime.UnixNano(), len(rows))
		}
	}

	return normalize(rows, fingerprint), nil
}

func fingerprintString(path string, size, mtimeNano int64, rowCount int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|v%d", path, size, mtimeNano, rowCount, SchemaVersion)
	return fmt.Sprintf("%016x", h.Sum64())
}

var requiredColumns = []string{"sex", "equipment", "bodyweightkg", "best3squatkg", "best3benchkg", "best3deadliftkg", "totalkg", "weightclasskg", "federation", "date"}

// parseCSV decodes the required columns, coercing types and reporting
// SchemaMismatch/Corrupt as plain errors that Load returns to its
// caller.
func parseCSV(r io.Reader) ([]rawRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("corrupt: reading header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("schema mismatch: missing required column %q", col)
		}
	}

	var rows []rawRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt: %w", err)
		}

		row := rawRow{
			sex:         strings.ToUpper(strings.TrimSpace(rec[idx["sex"]])),
			equipment:   strings.TrimSpace(rec[idx["equipment"]]),
			bodyweight:  parseFloatOrNaN(rec[idx["bodyweightkg"]]),
			squat:       parseFloatOrNaN(rec[idx["best3squatkg"]]),
			bench:       parseFloatOrNaN(rec[idx["best3benchkg"]]),
			deadlift:    parseFloatOrNaN(rec[idx["best3deadliftkg"]]),
			total:       parseFloatOrNaN(rec[idx["totalkg"]]),
			weightClass: strings.TrimSpace(rec[idx["weightclasskg"]]),
			federation:  strings.TrimSpace(rec[idx["federation"]]),
		}
		if d, err := time.Parse("2006-01-02", strings.TrimSpace(rec[idx["date"]])); err == nil {
			row.date = d
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func parseFloatOrNaN(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// normalize filters invalid rows, derives DOTS/year/weight-class
// columns, and builds the final columnar Dataset (spec.md §4.1).
func normalize(rows []rawRow, fingerprint string) *Dataset {
	d := &Dataset{
		Fingerprint:   fingerprint,
		SchemaVersion: SchemaVersion,
	}

	yearSet := map[int]struct{}{}
	for _, r := range rows {
		if r.bodyweight < BodyweightMin || r.bodyweight > BodyweightMax {
			continue
		}
		hasAnyLift := (!math.IsNaN(r.squat) && r.squat > 0) ||
			(!math.IsNaN(r.bench) && r.bench > 0) ||
			(!math.IsNaN(r.deadlift) && r.deadlift > 0) ||
			(!math.IsNaN(r.total) && r.total > 0)
		if !hasAnyLift {
			continue
		}

		sex := scoring.Female
		if r.sex == "M" {
			sex = scoring.Male
		}

		d.Sex = append(d.Sex, sex)
		d.Equipment = append(d.Equipment, normalizeEquipmentLabel(r.equipment))
		d.BodyweightKg = append(d.BodyweightKg, r.bodyweight)
		d.WeightClass = append(d.WeightClass, normalizeWeightClassLabel(r.weightClass))
		d.Federation = append(d.Federation, r.federation)

		year := 0
		if !r.date.IsZero() {
			year = r.date.Year()
		}
		d.Year = append(d.Year, year)
		yearSet[year] = struct{}{}

		d.Squat = append(d.Squat, r.squat)
		d.Bench = append(d.Bench, r.bench)
		d.Deadlift = append(d.Deadlift, r.deadlift)
		d.Total = append(d.Total, r.total)

		d.DotsSquat = append(d.DotsSquat, sentinelIfInvalid(scoring.DOTS(r.squat, r.bodyweight, sex)))
		d.DotsBench = append(d.DotsBench, sentinelIfInvalid(scoring.DOTS(r.bench, r.bodyweight, sex)))
		d.DotsDeadlift = append(d.DotsDeadlift, sentinelIfInvalid(scoring.DOTS(r.deadlift, r.bodyweight, sex)))
		d.DotsTotal = append(d.DotsTotal, sentinelIfInvalid(scoring.DOTS(r.total, r.bodyweight, sex)))
	}

	years := make([]int, 0, len(yearSet))
	for y := range yearSet {
		if y == 0 {
			continue
		}
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	d.yearsDesc = years

	log.Infof("DATASET: loaded %d rows (fingerprint %s)", d.Len(), d.Fingerprint)
	return d
}

func sentinelIfInvalid(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return NaNSentinel
	}
	return v
}

func normalizeEquipmentLabel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return "Raw"
	case "wraps":
		return "Wraps"
	case "single-ply", "singleply":
		return "Single-ply"
	case "multi-ply", "multiply":
		return "Multi-ply"
	default:
		if s == "" {
			return "Raw"
		}
		return s
	}
}

func normalizeWeightClassLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unclassified"
	}
	if strings.HasSuffix(s, "kg") || strings.HasSuffix(s, "kg+") {
		return s
	}
	if strings.HasSuffix(s, "+") {
		return strings.TrimSuffix(s, "+") + "kg+"
	}
	return s + "kg"
}

// synthesize builds a deterministic sample dataset used when no real
// source file is configured, seeded so repeated calls within a process
// produce the same data.
func synthesize(n int) []rawRow {
	rnd := rand.New(rand.NewSource(42))
	federations := []string{"USAPL", "USPA", "IPF", "RPS"}
	equipment := []string{"Raw", "Wraps", "Single-ply", "Multi-ply"}
	baseYear := time.Now().Year()

	rows := make([]rawRow, 0, n)
	for i := 0; i < n; i++ {
		sex := "M"
		if rnd.Intn(2) == 0 {
			sex = "F"
		}
		bw := 50 + rnd.Float64()*100
		mult := 1.0
		if sex == "F" {
			mult = 0.62
		}
		squat := (100 + rnd.Float64()*150) * mult
		bench := (70 + rnd.Float64()*100) * mult
		deadlift := (120 + rnd.Float64()*180) * mult
		total := squat + bench + deadlift

		year := baseYear - rnd.Intn(8)
		date := time.Date(year, time.Month(1+rnd.Intn(12)), 1+rnd.Intn(28), 0, 0, 0, 0, time.UTC)

		wcBound := math.Ceil(bw/10) * 10
		weightClass := fmt.Sprintf("%.0f", wcBound)
		if bw > 140 {
			weightClass = "140+"
		}

		rows = append(rows, rawRow{
			sex:         sex,
			equipment:   equipment[rnd.Intn(len(equipment))],
			bodyweight:  bw,
			squat:       squat,
			bench:       bench,
			deadlift:    deadlift,
			total:       total,
			weightClass: weightClass,
			federation:  federations[rnd.Intn(len(federations))],
			date:        date,
		})
	}
	return rows
}
