// Package httpapi mounts the REST and websocket surface of spec.md
// §6 on top of an internal/router.Router and an
// internal/broadcaster.Broadcaster, following the teacher's
// internal/api.RestApi shape: one struct holding its collaborators, a
// MountRoutes method wiring a gorilla/mux subrouter, and small handler
// methods that decode, delegate, and encode.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/iron-insights/iron-insights/internal/apierr"
	"github.com/iron-insights/iron-insights/internal/broadcaster"
	"github.com/iron-insights/iron-insights/internal/encoder"
	"github.com/iron-insights/iron-insights/internal/filter"
	"github.com/iron-insights/iron-insights/internal/router"
	"github.com/iron-insights/iron-insights/internal/scoring"
	"github.com/iron-insights/iron-insights/pkg/log"
)

// API bundles the collaborators every handler needs (spec.md §4.6's
// router plus the §4.9 broadcaster) and the process start time for
// /api/stats' uptime field.
type API struct {
	Router      *router.Router
	Broadcaster *broadcaster.Broadcaster
	StartedAt   time.Time
}

// New constructs an API. startedAt should be taken once at process
// startup, before the first request can arrive.
func New(rt *router.Router, b *broadcaster.Broadcaster, startedAt time.Time) *API {
	return &API{Router: rt, Broadcaster: b, StartedAt: startedAt}
}

// MountRoutes wires every endpoint of spec.md §6 onto r, following the
// teacher's RestApi.MountRoutes pattern of a "/api" subrouter plus a
// handful of routes mounted directly on the parent (spec.md's /ws).
func (a *API) MountRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.StrictSlash(true)

	api.HandleFunc("/visualize", a.handleVisualize).Methods(http.MethodPost)
	api.HandleFunc("/visualize-arrow", a.handleVisualizeArrow).Methods(http.MethodPost)
	api.HandleFunc("/visualize-arrow-stream", a.handleVisualizeArrowStream).Methods(http.MethodPost)
	api.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	api.HandleFunc("/percentiles-duckdb", a.handlePercentiles).Methods(http.MethodGet)
	api.HandleFunc("/weight-distribution-duckdb", a.handleWeightDistribution).Methods(http.MethodPost)
	api.HandleFunc("/competitive-analysis-duckdb", a.handleCompetitiveAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/summary-stats-duckdb", a.handleSummaryStats).Methods(http.MethodGet)

	r.HandleFunc("/ws", a.handleWebsocket).Methods(http.MethodGet)
}

// wireRequest is the filter JSON shape of spec.md §6.
type wireRequest struct {
	Sex          string   `json:"sex"`
	LiftType     string   `json:"lift_type"`
	BodyweightKg *float64 `json:"bodyweight"`
	Squat        *float64 `json:"squat"`
	Bench        *float64 `json:"bench"`
	Deadlift     *float64 `json:"deadlift"`
	Equipment    []string `json:"equipment"`
	YearsFilter  string   `json:"years_filter"`
	Federation   string   `json:"federation"`
	WeightClass  string   `json:"weight_class"`
}

func (w wireRequest) toFilterRequest() filter.Request {
	return filter.Request{
		Sex:          w.Sex,
		LiftType:     scoring.LiftType(w.LiftType),
		Equipment:    w.Equipment,
		WeightClass:  w.WeightClass,
		YearsFilter:  w.YearsFilter,
		Federation:   w.Federation,
		BodyweightKg: w.BodyweightKg,
		Squat:        w.Squat,
		Bench:        w.Bench,
		Deadlift:     w.Deadlift,
	}
}

// decodeFilterBody reads, schema-validates and parses a filter JSON
// request body (spec.md §6). A malformed or schema-invalid body is a
// BadRequest, matching the taxonomy of spec.md §7.
func decodeFilterBody(r *http.Request) (filter.Request, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return filter.Request{}, apierr.Wrap(apierr.BadRequest, "read request body", err)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := validateFilterJSON(raw); err != nil {
		return filter.Request{}, apierr.Wrap(apierr.BadRequest, "invalid filter json", err)
	}

	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return filter.Request{}, apierr.Wrap(apierr.BadRequest, "decode filter json", err)
	}
	return w.toFilterRequest(), nil
}

// filterFromQuery builds a filter.Request from query parameters, for
// the GET SQL-shaped endpoints (spec.md §6).
func filterFromQuery(q map[string][]string) filter.Request {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	var equipment []string
	if v := get("equipment"); v != "" {
		equipment = strings.Split(v, ",")
	}
	return filter.Request{
		Sex:         get("sex"),
		LiftType:    scoring.LiftType(get("lift_type")),
		Equipment:   equipment,
		WeightClass: get("weight_class"),
		YearsFilter: get("years_filter"),
		Federation:  get("federation"),
	}
}

func (a *API) handleVisualize(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.Router.Visualize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := encoder.Decode(res.Encoded)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "decode cached payload", err))
		return
	}
	out.UserPercentileRaw = res.UserPercentileRaw
	out.UserPercentileDots = res.UserPercentileDots
	out.RecordCount = res.RecordCount
	out.ProcessingTimeMs = res.ProcessingTimeMs
	out.Cached = res.Cached

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (a *API) handleVisualizeArrow(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.Router.Visualize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	setVisualizeHeaders(w, res)
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.file")
	w.Write(res.Encoded)
}

func (a *API) handleVisualizeArrowStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := a.Router.VisualizeStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.Header().Set("X-Total-Records", strconv.Itoa(out.RecordCount))
	w.Header().Set("X-Cached", "false")
	w.WriteHeader(http.StatusOK)
	if err := encoder.EncodeStream(w, out); err != nil {
		log.Warnf("HTTPAPI: visualize-arrow-stream: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func setVisualizeHeaders(w http.ResponseWriter, res *router.VisualizeResult) {
	if res.UserPercentileRaw != nil {
		w.Header().Set("X-User-Percentile", strconv.FormatFloat(*res.UserPercentileRaw, 'f', 2, 64))
	}
	if res.UserPercentileDots != nil {
		w.Header().Set("X-User-Dots-Percentile", strconv.FormatFloat(*res.UserPercentileDots, 'f', 2, 64))
	}
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatFloat(res.ProcessingTimeMs, 'f', 3, 64))
	w.Header().Set("X-Total-Records", strconv.Itoa(res.RecordCount))
	w.Header().Set("X-Cached", strconv.FormatBool(res.Cached))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"record_count":        a.Router.DatasetLen(),
		"dataset_fingerprint": a.Router.DatasetFingerprint(),
		"uptime_seconds":      time.Since(a.StartedAt).Seconds(),
	})
}

// handleHealthz is the supplemented liveness probe of SPEC_FULL.md's
// ambient-stack section: it reports the currently loaded dataset plus
// whether the SQL engine answered within a short timeout.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	_, err := a.Router.SummaryStats(ctx, filter.Request{YearsFilter: "all"})
	sqlOK := err == nil

	writeJSON(w, map[string]interface{}{
		"status":              "ok",
		"dataset_fingerprint": a.Router.DatasetFingerprint(),
		"record_count":        a.Router.DatasetLen(),
		"sql_engine_ok":       sqlOK,
	})
}

func (a *API) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := filterFromQuery(q)
	groupBy := q.Get("group_by")
	if groupBy == "" {
		groupBy = "weight_class"
	}

	rows, err := a.Router.PercentilesBy(r.Context(), req, groupBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rows)
}

func (a *API) handleWeightDistribution(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bins := 0
	if v := r.URL.Query().Get("bins"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			bins = n
		}
	}
	buckets, err := a.Router.WeightDistribution(r.Context(), req, bins)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, buckets)
}

func (a *API) handleCompetitiveAnalysis(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := a.Router.CompetitiveAnalysis(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pos)
}

func (a *API) handleSummaryStats(w http.ResponseWriter, r *http.Request) {
	req := filterFromQuery(r.URL.Query())
	stats, err := a.Router.SummaryStats(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

// handleWebsocket upgrades to a websocket connection and hands it to
// the broadcaster for its full Handshaking -> Live -> Closing
// lifecycle (spec.md §4.9). The upgrade happens on this goroutine;
// HandleConn then blocks for the connection's lifetime, so this
// handler returns only once the session has fully closed.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := broadcaster.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("HTTPAPI: websocket upgrade: %v", err)
		return
	}
	a.Broadcaster.HandleConn(conn)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy error (spec.md §7) to its HTTP status
// and a small JSON body. A non-taxonomy error is surfaced as Internal.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.Internal, "unexpected error", err)
	}
	log.Errorf("HTTPAPI: %s", apiErr.Error())

	w.Header().Set("Content-Type", "application/json")
	if apiErr.Kind == apierr.Overloaded {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(apiErr.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{
		"error":  apiErr.Kind.String(),
		"reason": apiErr.Reason,
	})
}
