package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tskv/tskv/pkg/aggregate"
	"github.com/tskv/tskv/pkg/chunk"
	"github.com/tskv/tskv/pkg/join"
	"github.com/tskv/tskv/pkg/query"
	"github.com/tskv/tskv/pkg/rules"
	"github.com/tskv/tskv/pkg/series"
	"github.com/tskv/tskv/pkg/tsdb"
)

// samplePayload carries Value as a pointer: NaN and infinities are not
// representable in JSON and are emitted as null.
type samplePayload struct {
	Timestamp int64    `json:"timestamp"`
	Value     *float64 `json:"value"`
}

func toSamplePayload(s chunk.Sample) samplePayload {
	p := samplePayload{Timestamp: s.Timestamp}
	if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
		v := s.Value
		p.Value = &v
	}
	return p
}

func toPayload(samples []chunk.Sample) []samplePayload {
	out := make([]samplePayload, len(samples))
	for i, s := range samples {
		out[i] = toSamplePayload(s)
	}
	return out
}

type addResponse struct {
	Code      string  `json:"code"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func toAddResponse(res series.AddResult) addResponse {
	return addResponse{Code: res.Code.String(), Timestamp: res.Timestamp, Value: res.Value}
}

type createRequest struct {
	Key string `json:"key"`
	seriesOptions
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	if req.Key == "" {
		writeError(w, fmt.Errorf("%w: key required", query.ErrInvalidArgument))
		return
	}
	opts, err := req.toOptions()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.Create(req.Key, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key})
}

func (s *Server) handleAlter(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req seriesOptions
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	opts, err := req.toOptions()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.Alter(key, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.db.Delete(key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	info, err := s.db.Info(key, r.URL.Query().Get("debug") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type addRequest struct {
	Key         string  `json:"key"`
	Timestamp   int64   `json:"timestamp"`
	Value       float64 `json:"value"`
	OnDuplicate string  `json:"on_duplicate,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	var override *series.DuplicatePolicy
	if req.OnDuplicate != "" {
		p, err := series.ParseDuplicatePolicy(req.OnDuplicate)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
			return
		}
		override = &p
	}
	res, err := s.db.Add(req.Key, req.Timestamp, req.Value, override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAddResponse(res))
}

func (s *Server) handleMAdd(w http.ResponseWriter, r *http.Request) {
	var batch []addRequest
	if err := decodeBody(r, &batch); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	samples := make([]tsdb.KeySample, len(batch))
	for i, item := range batch {
		samples[i] = tsdb.KeySample{Key: item.Key, Sample: chunk.Sample{Timestamp: item.Timestamp, Value: item.Value}}
	}
	outcomes := s.db.MAdd(samples)
	out := make([]addResponse, len(outcomes))
	for i, o := range outcomes {
		out[i] = toAddResponse(o.Result)
		if o.Err != nil {
			out[i].Code = "error"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// bulkRequest carries timestamps as int64 so values past float64's
// 53-bit integer range survive decoding unchanged.
type bulkRequest struct {
	Key     string `json:"key"`
	Samples []struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"samples"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	samples := make([]chunk.Sample, len(req.Samples))
	for i, item := range req.Samples {
		samples[i] = chunk.Sample{Timestamp: item.Timestamp, Value: item.Value}
	}
	inserted, total, err := s.db.BulkInsert(req.Key, samples)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted, "total": total})
}

type incrRequest struct {
	Key       string  `json:"key"`
	Timestamp int64   `json:"timestamp"`
	Delta     float64 `json:"delta"`
}

func (s *Server) handleIncrBy(w http.ResponseWriter, r *http.Request) {
	s.handleDelta(w, r, s.db.IncrementBy)
}

func (s *Server) handleDecrBy(w http.ResponseWriter, r *http.Request) {
	s.handleDelta(w, r, s.db.DecrementBy)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request, apply func(string, int64, float64) (series.AddResult, error)) {
	var req incrRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	res, err := apply(req.Key, req.Timestamp, req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAddResponse(res))
}

type delRangeRequest struct {
	Key  string `json:"key"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
}

func (s *Server) handleDelRange(w http.ResponseWriter, r *http.Request) {
	var req delRangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	removed, err := s.db.DeleteRange(req.Key, req.From, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		writeError(w, fmt.Errorf("%w: key required", query.ErrInvalidArgument))
		return
	}
	opts, err := parseRangeQuery(q)
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.db.Range(key, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "samples": toPayload(samples)})
}

type mrangeResult struct {
	Key     string            `json:"key"`
	Labels  map[string]string `json:"labels,omitempty"`
	Samples []samplePayload   `json:"samples"`
}

func (s *Server) handleMRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selectors, err := parseSelectors(q.Get("selector"))
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := parseRangeQuery(q)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.db.MRange(selectors, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]mrangeResult, len(results))
	for i, res := range results {
		out[i] = mrangeResult{Key: res.Key, Labels: res.Labels, Samples: toPayload(res.Samples)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		writeError(w, fmt.Errorf("%w: key required", query.ErrInvalidArgument))
		return
	}
	smp, ok, err := s.db.Get(key, q.Get("latest") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "empty": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"sample": toSamplePayload(smp),
	})
}

type joinRequest struct {
	Left  string `json:"left"`
	Right string `json:"right"`
	From  string `json:"from"`
	To    string `json:"to"`
	Kind  string `json:"kind"`

	AsOfDirection  string `json:"asof_direction,omitempty"`
	AsOfTolerance  int64  `json:"asof_tolerance,omitempty"`
	AsOfAllowExact *bool  `json:"asof_allow_exact,omitempty"`

	Reducer string `json:"reducer,omitempty"`
	Count   int    `json:"count,omitempty"`

	FilterByTS []int64  `json:"filter_by_ts,omitempty"`
	FilterMin  *float64 `json:"filter_min,omitempty"`
	FilterMax  *float64 `json:"filter_max,omitempty"`

	Aggregation     string `json:"aggregation,omitempty"`
	BucketDuration  int64  `json:"bucket_duration,omitempty"`
	Align           string `json:"align,omitempty"`
	BucketTimestamp string `json:"bucket_timestamp,omitempty"`
	Empty           bool   `json:"empty,omitempty"`
}

type joinRow struct {
	Timestamp int64    `json:"timestamp"`
	Left      *float64 `json:"left"`
	Right     *float64 `json:"right"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body joinRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.db.Join(body.Left, body.Right, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.HasReducer {
		writeJSON(w, http.StatusOK, map[string]any{"samples": toPayload(res.Samples)})
		return
	}
	rows := make([]joinRow, len(res.Rows))
	for i, row := range res.Rows {
		out := joinRow{Timestamp: row.Timestamp}
		if row.HasLeft {
			v := row.Left
			out.Left = &v
		}
		if row.HasRight {
			v := row.Right
			out.Right = &v
		}
		rows[i] = out
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (b joinRequest) toRequest() (join.Request, error) {
	var req join.Request
	var err error

	from := b.From
	if from == "" {
		from = "earliest"
	}
	if req.From, err = parseTimestamp(from); err != nil {
		return req, err
	}
	to := b.To
	if to == "" {
		to = "latest"
	}
	if req.To, err = parseTimestamp(to); err != nil {
		return req, err
	}

	if req.Kind, err = join.ParseKind(b.Kind); err != nil {
		return req, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	if req.Kind == join.AsOf {
		req.AsOf = join.AsOfSpec{Tolerance: b.AsOfTolerance, AllowExactMatch: true}
		if b.AsOfDirection != "" {
			if req.AsOf.Direction, err = join.ParseDirection(b.AsOfDirection); err != nil {
				return req, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
			}
		}
		if b.AsOfAllowExact != nil {
			req.AsOf.AllowExactMatch = *b.AsOfAllowExact
		}
	}

	if b.Reducer != "" {
		if req.Reducer, err = join.ParseReducer(b.Reducer); err != nil {
			return req, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
		}
		req.HasReducer = true
	}

	req.FilterByTS = b.FilterByTS
	if b.FilterMin != nil || b.FilterMax != nil {
		f := &query.ValueFilter{Min: math.Inf(-1), Max: math.Inf(1)}
		if b.FilterMin != nil {
			f.Min = *b.FilterMin
		}
		if b.FilterMax != nil {
			f.Max = *b.FilterMax
		}
		req.FilterByValue = f
	}
	req.Count = b.Count

	if b.Aggregation != "" {
		kind, err := parseJoinAgg(b)
		if err != nil {
			return req, err
		}
		req.Agg = kind
	}
	return req, nil
}

func parseJoinAgg(b joinRequest) (*query.AggSpec, error) {
	k, err := aggregate.ParseKind(b.Aggregation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	if b.BucketDuration <= 0 {
		return nil, fmt.Errorf("%w: aggregation requires a positive bucket_duration", query.ErrInvalidArgument)
	}
	spec := &query.AggSpec{Kind: k, BucketDuration: b.BucketDuration, Empty: b.Empty}
	switch a := b.Align; a {
	case "", "default":
	case "start":
		spec.Align.Mode = query.AlignStart
	case "end":
		spec.Align.Mode = query.AlignEnd
	default:
		ts, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad align %q", query.ErrInvalidArgument, a)
		}
		spec.Align = query.AlignSpec{Mode: query.AlignTimestamp, Timestamp: ts}
	}
	if b.BucketTimestamp != "" {
		t, ok := aggregate.ParseBucketTimestamp(b.BucketTimestamp)
		if !ok {
			return nil, fmt.Errorf("%w: bad bucket_timestamp %q", query.ErrInvalidArgument, b.BucketTimestamp)
		}
		spec.BucketTimestamp = t
	}
	return spec, nil
}

type ruleRequest struct {
	Source         string  `json:"source"`
	Dest           string  `json:"dest"`
	Aggregator     string  `json:"aggregator"`
	BucketDuration int64   `json:"bucket_duration"`
	AlignTimestamp int64   `json:"align_timestamp,omitempty"`
	ConditionOp    string  `json:"condition_op,omitempty"`
	ConditionValue float64 `json:"condition_value,omitempty"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.CreateRule(req.Source, req.Dest, spec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"source": req.Source, "dest": req.Dest})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err))
		return
	}
	if err := s.db.DeleteRule(req.Source, req.Dest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": req.Source, "dest": req.Dest})
}

func (r ruleRequest) toSpec() (rules.Spec, error) {
	spec := rules.Spec{BucketDuration: r.BucketDuration, AlignTimestamp: r.AlignTimestamp}
	kind, err := aggregate.ParseKind(r.Aggregator)
	if err != nil {
		return spec, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	spec.Aggregator = kind
	if r.ConditionOp != "" {
		op, err := aggregate.ParseCondOp(r.ConditionOp)
		if err != nil {
			return spec, fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
		}
		spec.Condition = &aggregate.Condition{Op: op, Value: r.ConditionValue}
	}
	return spec, nil
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.db.Keys()})
}
