// Package filter implements the request filter algebra shared by the
// vector engine and the SQL engine (spec.md §4.3). Both engines
// conjoin the same predicates in the same order so that a (filter,
// expected row count) pair is reproducible by either engine
// independently.
package filter

import (
	"math"
	"sort"
	"strings"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

// Request is the normalized form of the filter JSON accepted at the
// HTTP boundary (spec.md §6). Fields default as described in §4.3 when
// absent from the wire request.
type Request struct {
	Sex         string // "M", "F", or "All"
	LiftType    scoring.LiftType
	Equipment   []string // subset of {Raw, Wraps, Single-ply, Multi-ply}; empty means {Raw}
	WeightClass string   // normalized label, e.g. "74kg", "120kg+", or "All"
	YearsFilter string   // "last_5_years", "all", or "<start>-<end>"
	Federation  string   // case-insensitive match, "all" disables

	BodyweightKg *float64
	Squat        *float64
	Bench        *float64
	Deadlift     *float64
}

// Apportionment is the fixed 0.35/0.25/0.40 split applied to a
// user-entered "total" value across squat/bench/deadlift for scatter
// plotting (spec.md §3 invariant, §9 open question). It is gated by
// EnableTotalApportionment because the heuristic is not backed by the
// data.
var Apportionment = struct{ Squat, Bench, Deadlift float64 }{0.35, 0.25, 0.40}

// EnableTotalApportionment is the feature flag spec.md §9 asks
// implementers to gate this heuristic behind. Default on, matching
// the behavior the distilled spec describes; documented in DESIGN.md
// as an explicit open-question decision.
var EnableTotalApportionment = true

// NormalizeWeightClass turns a dropdown value into the canonical
// label: "X" -> "Xkg", "X+" -> "Xkg+", "All"/"" -> "All".
func NormalizeWeightClass(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "all") {
		return "All"
	}
	if strings.HasSuffix(v, "kg") || strings.HasSuffix(v, "kg+") {
		return v
	}
	if strings.HasSuffix(v, "+") {
		return strings.TrimSuffix(v, "+") + "kg+"
	}
	return v + "kg"
}

// NormalizeEquipment returns the equipment set to filter on: an empty
// selection is treated as {Raw}.
func NormalizeEquipment(eq []string) []string {
	if len(eq) == 0 {
		return []string{"Raw"}
	}
	out := make([]string, len(eq))
	copy(out, eq)
	sort.Strings(out)
	return out
}

// Normalize returns a copy of r with weight class and equipment
// normalized and sex/federation defaulted. It does not touch
// YearsFilter resolution, which needs the dataset's year range.
func (r Request) Normalize() Request {
	out := r
	out.WeightClass = NormalizeWeightClass(r.WeightClass)
	out.Equipment = NormalizeEquipment(r.Equipment)
	if out.Sex == "" {
		out.Sex = "All"
	}
	if out.Federation == "" {
		out.Federation = "all"
	}
	if out.YearsFilter == "" {
		out.YearsFilter = "last_5_years"
	}
	return out
}

// YearWindow resolves YearsFilter against the dataset's observed year
// range. "last_5_years" selects exactly the five most recent year
// values present in the dataset, not a fixed calendar window.
func (r Request) YearWindow(d *dataset.Dataset) (lo, hi int) {
	switch r.YearsFilter {
	case "", "last_5_years":
		years := d.DistinctYearsDesc()
		if len(years) == 0 {
			return 0, 0
		}
		n := 5
		if len(years) < n {
			n = len(years)
		}
		return years[n-1], years[0]
	case "all":
		return math.MinInt32, math.MaxInt32
	default:
		lo, hi, ok := parseExplicitWindow(r.YearsFilter)
		if !ok {
			years := d.DistinctYearsDesc()
			if len(years) == 0 {
				return 0, 0
			}
			n := 5
			if len(years) < n {
				n = len(years)
			}
			return years[n-1], years[0]
		}
		return lo, hi
	}
}

func parseExplicitWindow(s string) (lo, hi int, ok bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, errA := atoi(parts[0])
	b, errB := atoi(parts[1])
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	if a > b {
		a, b = b, a
	}
	return a, b, true
}

func atoi(s string) (int, error) {
	s = strings.TrimSpace(s)
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

var errNotANumber = strErr("not a number")

type strErr string

func (e strErr) Error() string { return string(e) }

// View is a filtered, non-copying view over a Dataset: a row index
// set. Building a View never mutates or copies the underlying columns.
type View struct {
	Dataset *dataset.Dataset
	Indices []int
}

// Apply conjoins the predicates in the fixed order spec.md §4.3
// requires: sex, equipment, weight class, year range, federation.
// Filtering is monotone: every additional predicate can only drop
// rows, never add them.
func Apply(d *dataset.Dataset, r Request) View {
	r = r.Normalize()
	equipSet := make(map[string]struct{}, len(r.Equipment))
	for _, e := range r.Equipment {
		equipSet[e] = struct{}{}
	}
	yearLo, yearHi := r.YearWindow(d)

	indices := make([]int, 0, d.Len())
	for i := 0; i < d.Len(); i++ {
		if r.Sex != "All" && string(d.Sex[i]) != r.Sex {
			continue
		}
		if _, ok := equipSet[d.Equipment[i]]; !ok {
			continue
		}
		if r.WeightClass != "All" && d.WeightClass[i] != r.WeightClass {
			continue
		}
		if y := d.Year[i]; y < yearLo || y > yearHi {
			continue
		}
		if r.Federation != "all" && !strings.EqualFold(d.Federation[i], r.Federation) {
			continue
		}
		indices = append(indices, i)
	}

	return View{Dataset: d, Indices: indices}
}

// Len returns the number of rows in the view.
func (v View) Len() int { return len(v.Indices) }

// UserLiftValue returns the user-entered value for r.LiftType. The
// total-apportionment heuristic is not applied here (ApportionedLifts
// does that). ok is false when no relevant value was supplied.
func (r Request) UserLiftValue() (value float64, ok bool) {
	switch r.LiftType {
	case scoring.Squat:
		if r.Squat != nil {
			return *r.Squat, true
		}
	case scoring.Bench:
		if r.Bench != nil {
			return *r.Bench, true
		}
	case scoring.Deadlift:
		if r.Deadlift != nil {
			return *r.Deadlift, true
		}
	case scoring.Total:
		if r.Squat != nil {
			return *r.Squat, true
		}
		if r.Bench != nil {
			return *r.Bench, true
		}
		if r.Deadlift != nil {
			return *r.Deadlift, true
		}
	}
	return 0, false
}

// ApportionedLifts splits a user-entered "total" value into per-lift
// estimates using the fixed 0.35/0.25/0.40 weighting (spec.md §3, §9).
// ok is false unless LiftType is Total, a value was supplied, and
// EnableTotalApportionment is set.
func (r Request) ApportionedLifts() (squat, bench, deadlift float64, ok bool) {
	if r.LiftType != scoring.Total || !EnableTotalApportionment {
		return 0, 0, 0, false
	}
	total, present := r.UserLiftValue()
	if !present {
		return 0, 0, 0, false
	}
	return total * Apportionment.Squat, total * Apportionment.Bench, total * Apportionment.Deadlift, true
}
