// Package resultcache implements the fingerprint -> encoded-payload
// cache of spec.md §4.7. It wraps pkg/lrucache (LRU + TTL +
// single-flight) with the fingerprint canonicalization discipline and
// dataset-reload invalidation this spec requires.
package resultcache

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/iron-insights/iron-insights/internal/apierr"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/pkg/lrucache"
)

// Entry is what gets stored per fingerprint: the already-encoded
// columnar payload plus the scalar metadata that travels as response
// headers (spec.md §4.8).
type Entry struct {
	Payload            []byte
	UserPercentileRaw   *float64
	UserPercentileDots  *float64
	RecordCount         int
	ProcessingTimeMs    float64
	builtAt             time.Time
}

// Cache is the bounded fingerprint -> Entry mapping. The zero value is
// not usable; construct with New.
type Cache struct {
	lru                *lrucache.Cache
	ttl                time.Duration
	singleFlightTimeout time.Duration
	datasetFingerprint string
}

// New constructs a Cache with the given capacity (entry count,
// approximated as bytes via len(Entry.Payload)) and TTL. The
// single-flight wait has no timeout until SetSingleFlightTimeout is
// called.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	// lrucache sizes by an arbitrary unit; using an average ~4KiB
	// payload per entry gives eviction pressure roughly matching the
	// requested entry-count capacity, while individual Get calls still
	// report their own precise size.
	return &Cache{
		lru: lrucache.New(capacity * 4096),
		ttl: ttl,
	}
}

// SetSingleFlightTimeout bounds how long GetOrBuild will wait for an
// in-flight build before surfacing Overloaded to the caller (spec.md
// §5 "global timeout (default 30s)"). The build itself is not
// cancelled: a late waiter simply stops waiting and reports failure,
// matching spec.md's "the initiator is cancelled... a waiting caller
// continues the wait until completion or global timeout" policy.
func (c *Cache) SetSingleFlightTimeout(d time.Duration) {
	c.singleFlightTimeout = d
}

// SetDatasetFingerprint must be called once at startup and again on
// every dataset reload. A change clears the cache atomically
// (spec.md §4.7 "Dataset invalidation").
func (c *Cache) SetDatasetFingerprint(fp string) {
	if c.datasetFingerprint != "" && c.datasetFingerprint != fp {
		c.lru.Clear()
	}
	c.datasetFingerprint = fp
}

// Sweep removes expired entries; intended to be called on a fixed
// interval by a background scheduler.
func (c *Cache) Sweep() int { return c.lru.Sweep() }

// Len reports the number of cached entries.
func (c *Cache) Len() int { return c.lru.Len() }

// Build is the closure signature callers pass to GetOrBuild: compute
// the entry. Every built entry is stored with the cache's configured
// TTL.
type Build func() (*Entry, error)

// GetOrBuild returns the cached entry for fingerprint, or computes it
// with build and inserts it. Concurrent callers for the same
// fingerprint share one computation and observe byte-identical
// results (spec.md §4.7 single-flight, §8 cache determinism).
//
// cached reports whether the returned entry came from the cache
// rather than from this call's build.
func (c *Cache) GetOrBuild(fingerprint string, build Build) (entry *Entry, cached bool, err error) {
	type result struct {
		raw      interface{}
		buildErr error
		cached   bool
	}
	done := make(chan result, 1)

	go func() {
		var buildErr error
		wasCached := true
		raw := c.lru.Get(fingerprint, func() (interface{}, time.Duration, int) {
			wasCached = false
			e, buildErrInner := build()
			buildErr = buildErrInner
			if buildErrInner != nil || e == nil {
				// zero TTL and zero size: do not let a failed build
				// poison the cache for other waiters beyond this call.
				return (*Entry)(nil), 0, 0
			}
			e.builtAt = time.Now()
			return e, c.ttl, len(e.Payload)
		})
		if e, _ := raw.(*Entry); !wasCached && e == nil {
			// drop the nil placeholder a failed build leaves in the LRU
			c.lru.Del(fingerprint)
		}
		done <- result{raw: raw, buildErr: buildErr, cached: wasCached}
	}()

	var res result
	if c.singleFlightTimeout > 0 {
		select {
		case res = <-done:
		case <-time.After(c.singleFlightTimeout):
			return nil, false, apierr.New(apierr.Overloaded, "timed out waiting for an in-flight build")
		}
	} else {
		res = <-done
	}

	if res.buildErr != nil {
		return nil, false, res.buildErr
	}

	e, _ := res.raw.(*Entry)
	if e == nil {
		return nil, false, fmt.Errorf("resultcache: build returned nil entry")
	}
	wasCached := res.cached
	return e, wasCached, nil
}

// Fingerprint is the canonical cache key: a stable hash over the
// normalized filter struct, the bin count, the schema version and the
// dataset fingerprint (spec.md §4.7). Equipment and weight-class
// normalizations are applied before hashing. The user's (bodyweight,
// lift) tuple is rounded to a fixed precision so small input noise
// still hits the same key.
func Fingerprint(r filter.Request, histogramBins int, schemaVersion int, datasetFingerprint string) string {
	r = r.Normalize()
	sort.Strings(r.Equipment)

	canon := struct {
		Sex           string   `json:"sex"`
		LiftType      string   `json:"lift_type"`
		Equipment     []string `json:"equipment"`
		WeightClass   string   `json:"weight_class"`
		YearsFilter   string   `json:"years_filter"`
		Federation    string   `json:"federation"`
		Bodyweight    *int64   `json:"bodyweight_centigrams"`
		Lift          *int64   `json:"lift_centigrams"`
		HistogramBins int      `json:"histogram_bins"`
		SchemaVersion int      `json:"schema_version"`
		Dataset       string   `json:"dataset_fingerprint"`
	}{
		Sex:           r.Sex,
		LiftType:      string(r.LiftType),
		Equipment:     r.Equipment,
		WeightClass:   r.WeightClass,
		YearsFilter:   r.YearsFilter,
		Federation:    r.Federation,
		Bodyweight:    roundedCentigrams(r.BodyweightKg),
		HistogramBins: histogramBins,
		SchemaVersion: schemaVersion,
		Dataset:       datasetFingerprint,
	}

	if v, ok := r.UserLiftValue(); ok {
		c := round2(v)
		canon.Lift = &c
	}

	buf, _ := json.Marshal(canon)
	sum := xxhash.Sum64(buf)
	return fmt.Sprintf("%016x", sum)
}

func roundedCentigrams(v *float64) *int64 {
	if v == nil {
		return nil
	}
	c := round2(*v)
	return &c
}

// round2 rounds to two decimal places and represents the result as an
// integer count of hundredths, so the fingerprint hashes a stable
// integer rather than a float with platform-dependent formatting.
func round2(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v * 100))
}
