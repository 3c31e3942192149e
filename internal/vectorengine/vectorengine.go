// Package vectorengine implements the fast vectorized filter+aggregate
// path of spec.md §4.4: histograms, scatter clouds, and user
// percentiles over a filtered dataset view.
package vectorengine

import (
	"hash/fnv"
	"math"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/payload"
	"github.com/iron-insights/iron-insights/internal/scoring"
)

// Options bundles the tunables that would otherwise need threading
// through every call (spec.md §6 configuration).
type Options struct {
	SampleSize    int
	HistogramBins int
	// Seed makes the downsampling step reproducible for a given
	// request fingerprint (spec.md §4.4 step 3).
	Seed string
}

// Visualize is the vector engine's single entry point. An empty
// filtered set is not an error: it returns a Payload with empty arrays
// and nil user percentiles (spec.md §4.4 "Failure semantics").
func Visualize(view filter.View, r filter.Request, opts Options) payload.Payload {
	d := view.Dataset
	liftCol, dotsCol := liftColumns(d, r.LiftType)

	finite := make([]int, 0, len(view.Indices))
	for _, i := range view.Indices {
		if isFinitePositive(liftCol[i]) && dataset.IsValidDOTS(dotsCol[i]) {
			finite = append(finite, i)
		}
	}

	out := payload.Payload{RecordCount: len(finite)}

	if len(finite) == 0 {
		return out
	}

	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = 50000
	}
	sample := downsample(finite, sampleSize, opts.Seed)

	bins := opts.HistogramBins
	if bins <= 0 {
		bins = 50
	}

	liftSample := gather(liftCol, sample)
	dotsSample := gather(dotsCol, sample)

	out.RawHistogram = histogram(liftSample, bins)
	out.DotsHistogram = histogram(dotsSample, bins)

	out.RawScatter = make([]payload.ScatterPoint, 0, len(sample))
	out.DotsScatter = make([]payload.ScatterPoint, 0, len(sample))
	for _, i := range sample {
		sex := string(d.Sex[i])
		out.RawScatter = append(out.RawScatter, payload.ScatterPoint{X: d.BodyweightKg[i], Y: liftCol[i], Sex: sex})
		out.DotsScatter = append(out.DotsScatter, payload.ScatterPoint{X: d.BodyweightKg[i], Y: dotsCol[i], Sex: sex})
	}

	out.UserPercentileRaw, out.UserPercentileDots = userPercentiles(d, finite, liftCol, dotsCol, r)

	addApportionedOverlay(&out, r)

	return out
}

// addApportionedOverlay plots the user's total as three apportioned
// points (squat/bench/deadlift, spec.md §3's 0.35/0.25/0.40 split) on
// both scatter clouds when the request is for lift_type=total and the
// user supplied a bodyweight. Without this, a total-lift user value
// has nowhere to plot against per-lift scatter data.
func addApportionedOverlay(out *payload.Payload, r filter.Request) {
	if r.BodyweightKg == nil || !isFinitePositive(*r.BodyweightKg) {
		return
	}
	squat, bench, deadlift, ok := r.ApportionedLifts()
	if !ok {
		return
	}

	sex := scoring.Male
	if r.Sex == string(scoring.Female) {
		sex = scoring.Female
	}
	bw := *r.BodyweightKg

	for _, v := range [3]float64{squat, bench, deadlift} {
		out.RawScatter = append(out.RawScatter, payload.ScatterPoint{X: bw, Y: v, Sex: string(sex)})
		out.DotsScatter = append(out.DotsScatter, payload.ScatterPoint{X: bw, Y: scoring.DOTS(v, bw, sex), Sex: string(sex)})
	}
}

// liftColumns returns the raw-lift column and its paired DOTS column
// for the requested lift type (spec.md §4.4 step 1).
func liftColumns(d *dataset.Dataset, lt scoring.LiftType) (lift, dots []float64) {
	switch lt {
	case scoring.Bench:
		return d.Bench, d.DotsBench
	case scoring.Deadlift:
		return d.Deadlift, d.DotsDeadlift
	case scoring.Total:
		return d.Total, d.DotsTotal
	default:
		return d.Squat, d.DotsSquat
	}
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// downsample draws a uniform random sample of at most n indices from
// rows, seeded by seed for reproducibility (spec.md §4.4 step 3). The
// full set is returned untouched if it is already within bounds.
func downsample(rows []int, n int, seed string) []int {
	if len(rows) <= n {
		return rows
	}

	rnd := newSeededRand(seed)
	picked := make([]int, len(rows))
	copy(picked, rows)
	// Partial Fisher-Yates: shuffle only the first n positions, which
	// is enough for a uniform sample without shuffling the whole slice.
	for i := 0; i < n; i++ {
		j := i + rnd.intn(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	sample := make([]int, n)
	copy(sample, picked[:n])
	return sample
}

// seededRand is a tiny splitmix64-based PRNG so the sample draw does
// not depend on the global math/rand state or on goroutine scheduling.
type seededRand struct{ state uint64 }

func newSeededRand(seed string) *seededRand {
	h := fnv.New64a()
	h.Write([]byte(seed))
	s := h.Sum64()
	if s == 0 {
		s = 0x9e3779b97f4a7c15
	}
	return &seededRand{state: s}
}

func (r *seededRand) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *seededRand) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

func gather(col []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = col[j]
	}
	return out
}

// histogram builds a fixed-bin-count histogram over values. Bin edges
// come from the observed min/max; a value equal to the upper bound
// falls into the last bin; empty bins are retained (spec.md §4.4
// step 4).
func histogram(values []float64, bins int) []payload.HistogramBin {
	if len(values) == 0 {
		return nil
	}

	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	out := make([]payload.HistogramBin, bins)
	width := (hi - lo) / float64(bins)
	if width <= 0 {
		// all values identical: a single effective bin, still report
		// `bins` rows so the client can rely on a fixed row count.
		for i := range out {
			out[i] = payload.HistogramBin{Value: lo, Lo: lo, Hi: lo}
		}
		out[0].Count = float64(len(values))
		return out
	}

	for i := 0; i < bins; i++ {
		binLo := lo + float64(i)*width
		binHi := binLo + width
		out[i] = payload.HistogramBin{Lo: binLo, Hi: binHi, Value: (binLo + binHi) / 2}
	}

	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1 // upper bound falls into the last bin
		}
		if idx < 0 {
			idx = 0
		}
		out[idx].Count++
	}

	return out
}

// userPercentiles computes the user's percentile on the requested raw
// lift and on the paired DOTS value, over the pre-sample filtered set
// (spec.md §4.4 step 6). Returns (nil, nil) when the user did not
// supply both a bodyweight and a lift value, or when the resulting
// DOTS is non-finite.
func userPercentiles(d *dataset.Dataset, finite []int, liftCol, dotsCol []float64, r filter.Request) (*float64, *float64) {
	liftValue, hasLift := r.UserLiftValue()
	if r.BodyweightKg == nil || !hasLift {
		return nil, nil
	}
	if !isFinitePositive(liftValue) || !isFinitePositive(*r.BodyweightKg) {
		return nil, nil
	}

	sex := scoring.Male
	if r.Sex == string(scoring.Female) {
		sex = scoring.Female
	}
	userDots := scoring.DOTS(liftValue, *r.BodyweightKg, sex)
	if !dataset.IsValidDOTS(userDots) {
		return nil, nil
	}

	total := len(finite)
	rawCount, dotsCount := 0, 0
	for _, i := range finite {
		if liftCol[i] <= liftValue {
			rawCount++
		}
		if dotsCol[i] <= userDots {
			dotsCount++
		}
	}

	rawPct := round1(100 * float64(rawCount) / float64(total))
	dotsPct := round1(100 * float64(dotsCount) / float64(total))
	return &rawPct, &dotsPct
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
