// Package sqlengine implements the DuckDB-backed query path of
// spec.md §4.5: the same filter algebra as internal/filter, expressed
// as SQL WHERE clauses over a loaded table, answering questions the
// vector engine is not shaped for (grouped percentiles, bodyweight
// distributions, competitive position, summary statistics).
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/iron-insights/iron-insights/internal/dataset"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/pkg/log"
)

// Engine owns the single DuckDB connection used to answer SQL-shaped
// queries. DuckDB is embedded and single-process, so one *sql.DB
// guarded by a mutex (the teacher's dbConnection.go pattern) is
// sufficient; there is no connection pool to exhaust.
type Engine struct {
	mu          sync.Mutex
	db          *sqlx.DB
	fingerprint string
}

// Options configures the DuckDB session (spec.md §6 "sql_memory_limit",
// "sql_threads").
type Options struct {
	MemoryLimit string
	Threads     int
}

// Open creates an in-memory DuckDB database and loads d's rows into a
// `lifts` table. DuckDB is rebuilt whenever the dataset changes
// (spec.md §4.5 "table lifecycle"); there is no incremental update
// path.
func Open(d *dataset.Dataset, opts Options) (*Engine, error) {
	db, err := sqlx.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("sqlengine: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit)); err != nil {
			log.Warnf("SQLENGINE: set memory_limit: %v", err)
		}
	}
	if opts.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA threads=%d", opts.Threads)); err != nil {
			log.Warnf("SQLENGINE: set threads: %v", err)
		}
	}

	e := &Engine{db: db}
	if err := e.load(d); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the underlying DuckDB connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}

// Reload rebuilds the `lifts` table from d if d's fingerprint differs
// from the table currently loaded (spec.md §4.5).
func (e *Engine) Reload(d *dataset.Dataset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fingerprint == d.Fingerprint {
		return nil
	}
	return e.load(d)
}

const createTableSQL = `
CREATE OR REPLACE TABLE lifts (
	sex VARCHAR,
	equipment VARCHAR,
	bodyweight_kg DOUBLE,
	weight_class VARCHAR,
	federation VARCHAR,
	year INTEGER,
	squat DOUBLE,
	bench DOUBLE,
	deadlift DOUBLE,
	total DOUBLE,
	dots_squat DOUBLE,
	dots_bench DOUBLE,
	dots_deadlift DOUBLE,
	dots_total DOUBLE
)`

func (e *Engine) load(d *dataset.Dataset) error {
	if _, err := e.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("sqlengine: create table: %w", err)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlengine: begin load tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO lifts VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlengine: prepare insert: %w", err)
	}

	for i := 0; i < d.Len(); i++ {
		_, err := stmt.Exec(
			string(d.Sex[i]), d.Equipment[i], d.BodyweightKg[i], d.WeightClass[i], d.Federation[i], d.Year[i],
			nullIfNaN(d.Squat[i]), nullIfNaN(d.Bench[i]), nullIfNaN(d.Deadlift[i]), nullIfNaN(d.Total[i]),
			nullIfNaN(d.DotsSquat[i]), nullIfNaN(d.DotsBench[i]), nullIfNaN(d.DotsDeadlift[i]), nullIfNaN(d.DotsTotal[i]),
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("sqlengine: insert row %d: %w", i, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlengine: commit load tx: %w", err)
	}

	e.fingerprint = d.Fingerprint
	log.Infof("SQLENGINE: loaded %d rows into DuckDB (fingerprint %s)", d.Len(), d.Fingerprint)
	return nil
}

func nullIfNaN(v float64) interface{} {
	if !dataset.IsValidDOTS(v) || v == 0 {
		return nil
	}
	return v
}

// whereClause builds the shared filter algebra of spec.md §4.3 as a
// squirrel WHERE clause, in the same predicate order the vector
// engine applies in memory.
func whereClause(q sq.SelectBuilder, d *dataset.Dataset, r filter.Request) sq.SelectBuilder {
	r = r.Normalize()

	if r.Sex != "All" {
		q = q.Where(sq.Eq{"sex": r.Sex})
	}
	q = q.Where(sq.Eq{"equipment": r.Equipment})
	if r.WeightClass != "All" {
		q = q.Where(sq.Eq{"weight_class": r.WeightClass})
	}
	lo, hi := r.YearWindow(d)
	q = q.Where(sq.GtOrEq{"year": lo}).Where(sq.LtOrEq{"year": hi})
	if r.Federation != "all" {
		q = q.Where("lower(federation) = lower(?)", r.Federation)
	}
	return q
}

func liftColumn(lt string) (lift, dots string) {
	switch lt {
	case "bench":
		return "bench", "dots_bench"
	case "deadlift":
		return "deadlift", "dots_deadlift"
	case "total":
		return "total", "dots_total"
	default:
		return "squat", "dots_squat"
	}
}

// PercentileRow is one row of the percentiles_by result (spec.md
// §4.5 "percentiles_by(sex, equipment) → {p25,p50,p75,p90,p95,p99,count}").
type PercentileRow struct {
	GroupKey string  `db:"group_key"`
	P25      float64 `db:"p25"`
	P50      float64 `db:"p50"`
	P75      float64 `db:"p75"`
	P90      float64 `db:"p90"`
	P95      float64 `db:"p95"`
	P99      float64 `db:"p99"`
	Count    int64   `db:"n"`
}

// PercentilesBy computes DOTS percentiles for the filtered set grouped
// by groupBy. The contract's own grouping keys are "sex" and
// "equipment" (spec.md §4.5); "weight_class", "federation" and "year"
// are supported as additional groupings the same query shape answers.
func (e *Engine) PercentilesBy(ctx context.Context, d *dataset.Dataset, r filter.Request, groupBy string) ([]PercentileRow, error) {
	col, err := groupColumn(groupBy)
	if err != nil {
		return nil, err
	}
	_, dotsCol := liftColumn(string(r.LiftType))

	q := sq.Select(
		fmt.Sprintf("%s AS group_key", col),
		fmt.Sprintf("quantile_cont(%s, 0.25) AS p25", dotsCol),
		fmt.Sprintf("quantile_cont(%s, 0.50) AS p50", dotsCol),
		fmt.Sprintf("quantile_cont(%s, 0.75) AS p75", dotsCol),
		fmt.Sprintf("quantile_cont(%s, 0.90) AS p90", dotsCol),
		fmt.Sprintf("quantile_cont(%s, 0.95) AS p95", dotsCol),
		fmt.Sprintf("quantile_cont(%s, 0.99) AS p99", dotsCol),
		"count(*) AS n",
	).From("lifts").Where(fmt.Sprintf("%s IS NOT NULL", dotsCol)).GroupBy(col).OrderBy(col)
	q = whereClause(q, d, r)

	var rows []PercentileRow
	if err := e.selectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

func groupColumn(groupBy string) (string, error) {
	switch groupBy {
	case "sex":
		return "sex", nil
	case "equipment":
		return "equipment", nil
	case "weight_class":
		return "weight_class", nil
	case "federation":
		return "federation", nil
	case "year":
		return "year", nil
	default:
		return "", fmt.Errorf("sqlengine: unknown group_by %q", groupBy)
	}
}

// WeightBucket is one bucket of the weight_distribution result.
type WeightBucket struct {
	BucketLo float64 `db:"bucket_lo"`
	BucketHi float64 `db:"bucket_hi"`
	Count    int64   `db:"n"`
}

type bodyweightRange struct {
	Lo float64 `db:"lo"`
	Hi float64 `db:"hi"`
}

// WeightDistribution buckets the filtered set's bodyweight into bins
// equal-width buckets spanning the observed range for lift (spec.md
// §4.5 "weight_distribution(lift, filters, bins) → {bin_lo, bin_hi,
// count}"). Rows with no value for lift are excluded from both the
// range and the bucketing, matching percentiles_by/summary_stats.
func (e *Engine) WeightDistribution(ctx context.Context, d *dataset.Dataset, r filter.Request, bins int) ([]WeightBucket, error) {
	if bins <= 0 {
		bins = 1
	}
	_, dotsCol := liftColumn(string(r.LiftType))

	rangeQ := sq.Select("coalesce(min(bodyweight_kg), 0) AS lo", "coalesce(max(bodyweight_kg), 0) AS hi").
		From("lifts").Where(fmt.Sprintf("%s IS NOT NULL", dotsCol))
	rangeQ = whereClause(rangeQ, d, r)

	sqlStr, args, err := rangeQ.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlengine: build weight distribution range query: %w", err)
	}

	e.mu.Lock()
	var bwRange bodyweightRange
	rowErr := e.db.QueryRowxContext(ctx, sqlStr, args...).StructScan(&bwRange)
	e.mu.Unlock()
	if rowErr != nil {
		if rowErr == sql.ErrNoRows {
			return []WeightBucket{}, nil
		}
		return nil, fmt.Errorf("sqlengine: scan weight distribution range: %w", rowErr)
	}

	width := (bwRange.Hi - bwRange.Lo) / float64(bins)
	if width <= 0 {
		// Every row shares one bodyweight (or the set is empty): a
		// single bucket spanning that point is the only sound answer.
		width = 1
	}

	bucketIdxExpr := fmt.Sprintf(
		"CAST(LEAST(GREATEST(FLOOR((bodyweight_kg - %f) / %f), 0), %d) AS INTEGER)",
		bwRange.Lo, width, bins-1,
	)
	q := sq.Select(
		fmt.Sprintf("%s AS bucket_idx", bucketIdxExpr),
		"count(*) AS n",
	).From("lifts").Where(fmt.Sprintf("%s IS NOT NULL", dotsCol)).GroupBy("bucket_idx").OrderBy("bucket_idx")
	q = whereClause(q, d, r)

	type bucketRow struct {
		BucketIdx int64 `db:"bucket_idx"`
		Count     int64 `db:"n"`
	}
	var rows []bucketRow
	if err := e.selectContext(ctx, &rows, q); err != nil {
		return nil, err
	}

	counts := make([]int64, bins)
	for _, row := range rows {
		if row.BucketIdx >= 0 && int(row.BucketIdx) < bins {
			counts[row.BucketIdx] = row.Count
		}
	}

	out := make([]WeightBucket, bins)
	for i := 0; i < bins; i++ {
		out[i] = WeightBucket{
			BucketLo: bwRange.Lo + float64(i)*width,
			BucketHi: bwRange.Lo + float64(i+1)*width,
			Count:    counts[i],
		}
	}
	return out, nil
}

// CompetitivePosition reports the user's rank among the filtered rows
// and their percentile standing, treating the user as one additional
// competitor in the field (spec.md §4.5 "{rank, total, percentile}").
type CompetitivePosition struct {
	Rank       int64
	Total      int64
	Percentile float64
	UserDots   float64
}

type competitivePositionRow struct {
	TotalRows int64 `db:"total_rows"`
	RowsAbove int64 `db:"rows_above"`
}

func (e *Engine) CompetitivePosition(ctx context.Context, d *dataset.Dataset, r filter.Request, userDots float64) (*CompetitivePosition, error) {
	_, dotsCol := liftColumn(string(r.LiftType))

	rowsAboveExpr := sq.Expr(fmt.Sprintf("sum(CASE WHEN %s > ? THEN 1 ELSE 0 END)", dotsCol), userDots)
	q := sq.Select("count(*) AS total_rows").
		Column(sq.Alias(rowsAboveExpr, "rows_above")).
		From("lifts").Where(fmt.Sprintf("%s IS NOT NULL", dotsCol))
	q = whereClause(q, d, r)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlengine: build competitive position query: %w", err)
	}

	e.mu.Lock()
	var raw competitivePositionRow
	rowErr := e.db.QueryRowxContext(ctx, sqlStr, args...).StructScan(&raw)
	e.mu.Unlock()
	if rowErr != nil {
		return nil, fmt.Errorf("sqlengine: scan competitive position: %w", rowErr)
	}

	// The user is a virtual (total_rows+1)th competitor, ranked ahead
	// of everyone whose DOTS is lower or equal.
	out := &CompetitivePosition{
		Total:    raw.TotalRows + 1,
		Rank:     raw.RowsAbove + 1,
		UserDots: userDots,
	}
	out.Percentile = round1(100 * float64(out.Total-out.Rank+1) / float64(out.Total))
	return out, nil
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// SummaryStats is the single-row aggregate result of spec.md §4.5.
type SummaryStats struct {
	Count    int64   `db:"n"`
	Mean     float64 `db:"mean"`
	Median   float64 `db:"median"`
	StdDev   float64 `db:"stddev"`
	Min      float64 `db:"min_v"`
	Max      float64 `db:"max_v"`
}

func (e *Engine) SummaryStats(ctx context.Context, d *dataset.Dataset, r filter.Request) (*SummaryStats, error) {
	liftCol, _ := liftColumn(string(r.LiftType))

	q := sq.Select(
		"count(*) AS n",
		fmt.Sprintf("avg(%s) AS mean", liftCol),
		fmt.Sprintf("quantile_cont(%s, 0.5) AS median", liftCol),
		fmt.Sprintf("stddev_samp(%s) AS stddev", liftCol),
		fmt.Sprintf("min(%s) AS min_v", liftCol),
		fmt.Sprintf("max(%s) AS max_v", liftCol),
	).From("lifts").Where(fmt.Sprintf("%s IS NOT NULL", liftCol))
	q = whereClause(q, d, r)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlengine: build summary stats query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out SummaryStats
	row := e.db.QueryRowxContext(ctx, sqlStr, args...)
	if err := row.StructScan(&out); err != nil {
		if err == sql.ErrNoRows {
			return &SummaryStats{}, nil
		}
		return nil, fmt.Errorf("sqlengine: scan summary stats: %w", err)
	}
	return &out, nil
}

// selectContext runs a squirrel select under the connection mutex,
// matching the teacher's single-connection sqlx.Queryx pattern.
func (e *Engine) selectContext(ctx context.Context, dest interface{}, q sq.SelectBuilder) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("sqlengine: build query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.SelectContext(ctx, dest, sqlStr, args...); err != nil {
		return fmt.Errorf("sqlengine: query: %w", err)
	}
	return nil
}
