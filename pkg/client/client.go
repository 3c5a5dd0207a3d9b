// Package client is a small HTTP client for a tskv server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tskv/tskv/pkg/chunk"
)

// Config holds client configuration.
type Config struct {
	// Endpoint is the server base URL, e.g. "http://localhost:8080".
	Endpoint string
	Timeout  time.Duration
}

// Client talks to the tskv HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client. Endpoint is required.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base: cfg.Endpoint + "/api/v1",
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// CreateOptions mirrors the series creation payload.
type CreateOptions struct {
	RetentionMillis int64             `json:"retention_millis,omitempty"`
	ChunkSizeBytes  int               `json:"chunk_size_bytes,omitempty"`
	Encoding        string            `json:"encoding,omitempty"`
	DuplicatePolicy string            `json:"duplicate_policy,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

type createPayload struct {
	Key string `json:"key"`
	CreateOptions
}

// Create registers a new series.
func (c *Client) Create(ctx context.Context, key string, opts CreateOptions) error {
	return c.post(ctx, "/series", createPayload{Key: key, CreateOptions: opts}, nil)
}

// Delete removes a series and its data.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/series/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// AddResult reports the outcome of one insert.
type AddResult struct {
	Code      string  `json:"code"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Add appends one sample, creating the series if needed.
func (c *Client) Add(ctx context.Context, key string, ts int64, value float64) (AddResult, error) {
	var res AddResult
	err := c.post(ctx, "/add", map[string]any{
		"key": key, "timestamp": ts, "value": value,
	}, &res)
	return res, err
}

// IncrementBy adds delta to the running counter value at ts.
func (c *Client) IncrementBy(ctx context.Context, key string, ts int64, delta float64) (AddResult, error) {
	var res AddResult
	err := c.post(ctx, "/incrby", map[string]any{
		"key": key, "timestamp": ts, "delta": delta,
	}, &res)
	return res, err
}

// RangeOptions are the optional query parameters of a range read.
type RangeOptions struct {
	Aggregation    string
	BucketDuration int64
	Count          int
	Reverse        bool
	Latest         bool
}

type rangeResponse struct {
	Samples []struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"samples"`
}

// Range reads samples in [from, to].
func (c *Client) Range(ctx context.Context, key string, from, to int64, opts RangeOptions) ([]chunk.Sample, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))
	if opts.Aggregation != "" {
		q.Set("aggregation", opts.Aggregation)
		q.Set("bucket_duration", strconv.FormatInt(opts.BucketDuration, 10))
	}
	if opts.Count > 0 {
		q.Set("count", strconv.Itoa(opts.Count))
	}
	if opts.Reverse {
		q.Set("reverse", "true")
	}
	if opts.Latest {
		q.Set("latest", "true")
	}

	var resp rangeResponse
	if err := c.get(ctx, "/range?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]chunk.Sample, len(resp.Samples))
	for i, s := range resp.Samples {
		out[i] = chunk.Sample{Timestamp: s.Timestamp, Value: s.Value}
	}
	return out, nil
}

// CreateRule sets up a compaction rule from source into dest.
func (c *Client) CreateRule(ctx context.Context, source, dest, aggregator string, bucketDuration int64) error {
	return c.post(ctx, "/rules", map[string]any{
		"source": source, "dest": dest,
		"aggregator": aggregator, "bucket_duration": bucketDuration,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			return fmt.Errorf("server: %s (status %d)", payload.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
