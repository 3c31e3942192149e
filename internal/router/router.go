// Package router implements the request router and engine-selection
// policy of spec.md §4.6: compose the cache, the vector engine, and
// the SQL engine behind one entry point per response shape.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iron-insights/iron-insights/internal/apierr"
	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/encoder"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/payload"
	"github.com/iron-insights/iron-insights/internal/resultcache"
	"github.com/iron-insights/iron-insights/internal/scoring"
	"github.com/iron-insights/iron-insights/internal/sqlengine"
	"github.com/iron-insights/iron-insights/internal/vectorengine"
)

// Router owns the shared dataset, both engines, and the result cache,
// and exposes the two request shapes the HTTP boundary needs: the fast
// vectorized visualize path and the SQL query path (spec.md §4.6).
// A *dataset.Dataset is swapped in atomically on reload (spec.md §5);
// Router itself holds no other mutable state beyond what its
// collaborators already synchronize.
type Router struct {
	dataset atomic.Pointer[dataset.Dataset]
	sql     *sqlengine.Engine
	cache   *resultcache.Cache

	sampleSize    int
	histogramBins int
}

// New wires a Router around an already-loaded dataset, an open SQL
// engine, and a result cache whose dataset fingerprint has already
// been set by the caller (spec.md §9 init order: loader → engines →
// cache → router).
func New(d *dataset.Dataset, sql *sqlengine.Engine, cache *resultcache.Cache, sampleSize, histogramBins int) *Router {
	rt := &Router{sql: sql, cache: cache, sampleSize: sampleSize, histogramBins: histogramBins}
	rt.dataset.Store(d)
	return rt
}

// VisualizeResult is what the HTTP boundary needs to build both the
// plain-JSON and the Arrow responses plus their shared headers
// (spec.md §6).
type VisualizeResult struct {
	Encoded            []byte
	UserPercentileRaw  *float64
	UserPercentileDots *float64
	RecordCount        int
	ProcessingTimeMs   float64
	Cached             bool
}

// Visualize answers the fast vectorized path: filter, sample,
// histogram, scatter, encode, all behind the result cache's
// single-flight build (spec.md §4.6, §4.7).
func (rt *Router) Visualize(ctx context.Context, r filter.Request) (*VisualizeResult, error) {
	start := time.Now()
	d := rt.dataset.Load()
	fp := resultcache.Fingerprint(r, rt.histogramBins, dataset.SchemaVersion, d.Fingerprint)

	entry, cached, err := rt.cache.GetOrBuild(fp, func() (*resultcache.Entry, error) {
		view := filter.Apply(d, r)
		out := vectorengine.Visualize(view, r, vectorengine.Options{
			SampleSize:    rt.sampleSize,
			HistogramBins: rt.histogramBins,
			Seed:          fp,
		})

		encoded, err := encoder.Encode(out)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "encode visualize payload", err)
		}

		return &resultcache.Entry{
			Payload:            encoded,
			UserPercentileRaw:  out.UserPercentileRaw,
			UserPercentileDots: out.UserPercentileDots,
			RecordCount:        out.RecordCount,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return &VisualizeResult{
		Encoded:            entry.Payload,
		UserPercentileRaw:  entry.UserPercentileRaw,
		UserPercentileDots: entry.UserPercentileDots,
		RecordCount:        entry.RecordCount,
		ProcessingTimeMs:   float64(time.Since(start).Microseconds()) / 1000,
		Cached:             cached,
	}, nil
}

// VisualizeStream is the uncached streaming variant backing
// /api/visualize-arrow-stream: every call recomputes, since the whole
// point of the streaming endpoint is to flush partial results rather
// than wait on a single-flight build (spec.md §6).
func (rt *Router) VisualizeStream(ctx context.Context, r filter.Request) (payload.Payload, error) {
	d := rt.dataset.Load()
	view := filter.Apply(d, r)
	return vectorengine.Visualize(view, r, vectorengine.Options{
		SampleSize:    rt.sampleSize,
		HistogramBins: rt.histogramBins,
		Seed:          resultcache.Fingerprint(r, rt.histogramBins, dataset.SchemaVersion, d.Fingerprint),
	}), nil
}

// PercentilesBy, WeightDistribution, CompetitiveAnalysis and
// SummaryStats answer the SQL-shaped endpoints (spec.md §4.5, §6).
// These are not single-flighted: DuckDB aggregates are cheap relative
// to the histogram/scatter path and the result set is already small.

func (rt *Router) PercentilesBy(ctx context.Context, r filter.Request, groupBy string) ([]sqlengine.PercentileRow, error) {
	if rt.sql == nil {
		return nil, apierr.New(apierr.EngineUnavailable, "sql engine not initialized")
	}
	return rt.sql.PercentilesBy(ctx, rt.dataset.Load(), r, groupBy)
}

// WeightDistribution buckets the filtered set's bodyweight into bins
// equal-width buckets (spec.md §4.5 "weight_distribution(lift,
// filters, bins)"); bins <= 0 falls back to the router's configured
// histogram bin count.
func (rt *Router) WeightDistribution(ctx context.Context, r filter.Request, bins int) ([]sqlengine.WeightBucket, error) {
	if rt.sql == nil {
		return nil, apierr.New(apierr.EngineUnavailable, "sql engine not initialized")
	}
	if bins <= 0 {
		bins = rt.histogramBins
	}
	return rt.sql.WeightDistribution(ctx, rt.dataset.Load(), r, bins)
}

func (rt *Router) CompetitiveAnalysis(ctx context.Context, r filter.Request) (*sqlengine.CompetitivePosition, error) {
	if rt.sql == nil {
		return nil, apierr.New(apierr.EngineUnavailable, "sql engine not initialized")
	}
	liftValue, ok := r.UserLiftValue()
	bwPtr := r.BodyweightKg
	if !ok || bwPtr == nil {
		return nil, apierr.New(apierr.BadRequest, "competitive analysis requires bodyweight and a lift value")
	}
	sex := scoring.Male
	if r.Sex == string(scoring.Female) {
		sex = scoring.Female
	}
	userDots := scoring.DOTS(liftValue, *bwPtr, sex)
	return rt.sql.CompetitivePosition(ctx, rt.dataset.Load(), r, userDots)
}

func (rt *Router) SummaryStats(ctx context.Context, r filter.Request) (*sqlengine.SummaryStats, error) {
	if rt.sql == nil {
		return nil, apierr.New(apierr.EngineUnavailable, "sql engine not initialized")
	}
	return rt.sql.SummaryStats(ctx, rt.dataset.Load(), r)
}

// DatasetFingerprint exposes the currently loaded dataset's
// fingerprint, used by /api/stats.
func (rt *Router) DatasetFingerprint() string { return rt.dataset.Load().Fingerprint }

// DatasetLen exposes the row count, used by /api/stats.
func (rt *Router) DatasetLen() int { return rt.dataset.Load().Len() }

// Reload swaps in a freshly loaded dataset atomically (spec.md §5),
// clears the cache (via its own dataset-fingerprint discipline) and
// rebuilds the SQL engine's table (spec.md §4.5, §4.7).
func (rt *Router) Reload(d *dataset.Dataset) error {
	rt.dataset.Store(d)
	rt.cache.SetDatasetFingerprint(d.Fingerprint)
	if rt.sql != nil {
		if err := rt.sql.Reload(d); err != nil {
			return fmt.Errorf("router: reload sql engine: %w", err)
		}
	}
	return nil
}
