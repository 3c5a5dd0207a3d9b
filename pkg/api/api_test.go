package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tskv/tskv/pkg/tsdb"
)

func newTestServer(t *testing.T) *testClient {
	t.Helper()
	db := tsdb.New(tsdb.Config{})
	ts := httptest.NewServer(NewServer(db).Router())
	t.Cleanup(ts.Close)
	return &testClient{ts}
}

type testClient struct {
	*httptest.Server
}

func (m *testClient) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, m.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&decoded); err != nil {
		return resp, nil
	}
	return resp, decoded
}

func addSample(t *testing.T, srv *testClient, key string, ts int64, v float64) {
	t.Helper()
	resp, body := srv.do(t, http.MethodPost, "/api/v1/add", map[string]any{
		"key": key, "timestamp": ts, "value": v,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["code"])
}

func TestCreateAddRange(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{
		"key":    "cpu",
		"labels": map[string]string{"metric": "cpu"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for i := int64(0); i < 5; i++ {
		addSample(t, srv, "cpu", i*1000, float64(i))
	}

	resp, body := srv.do(t, http.MethodGet, "/api/v1/range?key=cpu&from=1000&to=3000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := body["samples"].([]any)
	require.Len(t, samples, 3)
	first := samples[0].(map[string]any)
	require.Equal(t, float64(1000), first["timestamp"])
	require.Equal(t, float64(1), first["value"])
}

func TestCreateConflictAndMissingKey(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{"key": "dup"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{"key": "dup"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/v1/range?key=nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{"key": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregatedRangeParams(t *testing.T) {
	srv := newTestServer(t)
	for i := int64(0); i < 10; i++ {
		addSample(t, srv, "agg", i*10, 2)
	}

	resp, body := srv.do(t, http.MethodGet,
		"/api/v1/range?key=agg&from=0&to=100&aggregation=sum&bucket_duration=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := body["samples"].([]any)
	require.Len(t, samples, 2)
	require.Equal(t, float64(10), samples[0].(map[string]any)["value"])

	// aggregation without bucket_duration
	resp, _ = srv.do(t, http.MethodGet, "/api/v1/range?key=agg&aggregation=sum", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMRangeSelectors(t *testing.T) {
	srv := newTestServer(t)

	for _, key := range []string{"cpu:h1", "cpu:h2"} {
		resp, _ := srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{
			"key":    key,
			"labels": map[string]string{"metric": "cpu", "host": strings.TrimPrefix(key, "cpu:")},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		addSample(t, srv, key, 1000, 1)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/mrange?selector=metric%3Dcpu", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 2)

	resp2, _ := srv.do(t, http.MethodGet, "/api/v1/mrange", nil)
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestJoinEndpoint(t *testing.T) {
	srv := newTestServer(t)
	for _, ts := range []int64{10, 20, 30} {
		addSample(t, srv, "left", ts, float64(ts))
	}
	for _, ts := range []int64{20, 30, 40} {
		addSample(t, srv, "right", ts, 1)
	}

	resp, body := srv.do(t, http.MethodPost, "/api/v1/join", map[string]any{
		"left": "left", "right": "right", "kind": "inner", "reducer": "add",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := body["samples"].([]any)
	require.Len(t, samples, 2)
	require.Equal(t, float64(21), samples[0].(map[string]any)["value"])

	// rows shape without a reducer
	resp, body = srv.do(t, http.MethodPost, "/api/v1/join", map[string]any{
		"left": "left", "right": "right", "kind": "left",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := body["rows"].([]any)
	require.Len(t, rows, 3)
	require.Nil(t, rows[0].(map[string]any)["right"])
}

func TestJoinEndpointAlign(t *testing.T) {
	srv := newTestServer(t)
	for _, ts := range []int64{10, 20, 30} {
		addSample(t, srv, "left", ts, float64(ts))
		addSample(t, srv, "right", ts, 1)
	}

	// Buckets anchored on the range start instead of the epoch.
	resp, body := srv.do(t, http.MethodPost, "/api/v1/join", map[string]any{
		"left": "left", "right": "right", "kind": "inner", "reducer": "add",
		"from": "10", "to": "100",
		"aggregation": "sum", "bucket_duration": 100, "align": "start",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := body["samples"].([]any)
	require.Len(t, samples, 1)
	require.Equal(t, float64(10), samples[0].(map[string]any)["timestamp"])
	require.Equal(t, float64(63), samples[0].(map[string]any)["value"])

	// Start alignment needs a concrete range start.
	resp, _ = srv.do(t, http.MethodPost, "/api/v1/join", map[string]any{
		"left": "left", "right": "right", "kind": "inner", "reducer": "add",
		"aggregation": "sum", "bucket_duration": 100, "align": "start",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/join", map[string]any{
		"left": "left", "right": "right", "kind": "inner", "reducer": "add",
		"aggregation": "sum", "bucket_duration": 100, "align": "noon",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleLifecycle(t *testing.T) {
	srv := newTestServer(t)
	for _, key := range []string{"src", "dst"} {
		resp, _ := srv.do(t, http.MethodPost, "/api/v1/series", map[string]any{"key": key})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"source": "src", "dest": "dst", "aggregator": "avg", "bucket_duration": 60000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// second rule on the same source is rejected
	resp, _ = srv.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"source": "src", "dest": "dst", "aggregator": "avg", "bucket_duration": 60000,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	addSample(t, srv, "src", 0, 1)
	addSample(t, srv, "src", 30_000, 3)
	addSample(t, srv, "src", 61_000, 5)

	resp, body := srv.do(t, http.MethodGet, "/api/v1/range?key=dst&from=earliest&to=latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	samples := body["samples"].([]any)
	require.Len(t, samples, 1)
	require.Equal(t, float64(2), samples[0].(map[string]any)["value"])

	resp, _ = srv.do(t, http.MethodDelete, "/api/v1/rules", map[string]any{
		"source": "src", "dest": "dst",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInfoAndKeys(t *testing.T) {
	srv := newTestServer(t)
	addSample(t, srv, "one", 0, 1)
	addSample(t, srv, "two", 0, 2)

	resp, body := srv.do(t, http.MethodGet, "/api/v1/series/one/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["total_samples"])

	resp, body = srv.do(t, http.MethodGet, "/api/v1/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := body["keys"].([]any)
	require.Len(t, keys, 2)
}

func TestDeleteSeriesEndpoint(t *testing.T) {
	srv := newTestServer(t)
	addSample(t, srv, "gone", 0, 1)

	resp, _ := srv.do(t, http.MethodDelete, "/api/v1/series/gone", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodDelete, "/api/v1/series/gone", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its bus subscription.
	time.Sleep(50 * time.Millisecond)
	addSample(t, srv, "evkey", 42, 1)

	var ev struct {
		Kind string `json:"kind"`
		Key  string `json:"key"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "add", ev.Kind)
	require.Equal(t, "evkey", ev.Key)
}

func TestBulkAndDelRange(t *testing.T) {
	srv := newTestServer(t)

	samples := make([]map[string]any, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, map[string]any{"timestamp": i * 100, "value": float64(i)})
	}
	resp, body := srv.do(t, http.MethodPost, "/api/v1/bulk", map[string]any{
		"key": "bulk", "samples": samples,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(10), body["inserted"])

	resp, body = srv.do(t, http.MethodPost, "/api/v1/delrange", map[string]any{
		"key": "bulk", "from": 0, "to": 400,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["removed"])
}

func TestBulkKeepsLargeTimestamps(t *testing.T) {
	srv := newTestServer(t)

	// Past 2^53 milliseconds a float64 cannot hold the timestamp, so
	// ingest must decode it as an integer end to end.
	big := int64(1<<53 + 1)
	resp, body := srv.do(t, http.MethodPost, "/api/v1/bulk", map[string]any{
		"key": "bulk", "samples": []map[string]any{
			{"timestamp": int64(100), "value": 1.0},
			{"timestamp": big, "value": 2.0},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["inserted"])

	// A point query at the exact value only matches if no precision
	// was lost on the way in.
	resp, body = srv.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/range?key=bulk&from=%d&to=%d", big, big), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["samples"].([]any), 1)
}

func TestIncrDecrEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/incrby", map[string]any{
		"key": "ctr", "timestamp": 100, "delta": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["value"])

	resp, body = srv.do(t, http.MethodPost, "/api/v1/decrby", map[string]any{
		"key": "ctr", "timestamp": 200, "delta": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(3), body["value"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestTimestampTokens(t *testing.T) {
	for _, tc := range []struct {
		in   string
		ok   bool
		want int64
	}{
		{"earliest", true, -1 << 63},
		{"-", true, -1 << 63},
		{"latest", true, 1<<63 - 1},
		{"1234", true, 1234},
		{"abc", false, 0},
	} {
		got, err := parseTimestamp(tc.in)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}
