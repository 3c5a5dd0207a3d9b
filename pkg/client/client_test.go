package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tskv/tskv/pkg/api"
	"github.com/tskv/tskv/pkg/tsdb"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	db := tsdb.New(tsdb.Config{})
	ts := httptest.NewServer(api.NewServer(db).Router())
	t.Cleanup(ts.Close)

	c, err := New(Config{Endpoint: ts.URL})
	require.NoError(t, err)
	return c
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	c, err := New(Config{Endpoint: "http://localhost:1", Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestAddAndRange(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		res, err := c.Add(ctx, "cpu", i*1000, float64(i))
		require.NoError(t, err)
		require.Equal(t, "ok", res.Code)
	}

	samples, err := c.Range(ctx, "cpu", 0, 5000, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, samples, 5)
	require.Equal(t, int64(2000), samples[2].Timestamp)
	require.Equal(t, float64(2), samples[2].Value)
}

func TestAggregatedRange(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		_, err := c.Add(ctx, "mem", i*10, 1)
		require.NoError(t, err)
	}
	samples, err := c.Range(ctx, "mem", 0, 100, RangeOptions{
		Aggregation: "sum", BucketDuration: 50,
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, float64(5), samples[0].Value)
}

func TestCreateConflictSurfacesError(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, "dup", CreateOptions{}))
	err := c.Create(ctx, "dup", CreateOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
}

func TestRuleAndDelete(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, "src", CreateOptions{}))
	require.NoError(t, c.Create(ctx, "dst", CreateOptions{}))
	require.NoError(t, c.CreateRule(ctx, "src", "dst", "avg", 60_000))

	_, err := c.Add(ctx, "src", 0, 4)
	require.NoError(t, err)
	_, err = c.Add(ctx, "src", 61_000, 1)
	require.NoError(t, err)

	samples, err := c.Range(ctx, "dst", 0, 100_000, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, float64(4), samples[0].Value)

	require.NoError(t, c.Delete(ctx, "src"))
	_, err = c.Range(ctx, "src", 0, 100, RangeOptions{})
	require.Error(t, err)
}

func TestIncrementBy(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.IncrementBy(ctx, "ctr", 100, 2)
	require.NoError(t, err)
	require.Equal(t, float64(2), res.Value)
	res, err = c.IncrementBy(ctx, "ctr", 200, 3)
	require.NoError(t, err)
	require.Equal(t, float64(5), res.Value)
}
