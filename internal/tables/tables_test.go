package tables

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

var testNames = Names{ACL: "crowd-acl", Data: "crowd-data"}

type countingDescriber struct {
	calls  atomic.Int32
	schema sdk.Schema
	err    error
}

func (d *countingDescriber) DescribeTable(ctx context.Context, table string) (sdk.Schema, error) {
	d.calls.Add(1)
	return d.schema, d.err
}

func newClient(t *testing.T) (*Client, *engine.MemStore) {
	t.Helper()
	ms := engine.NewMemStore(nil, nil)
	require.NoError(t, Provision(ms, testNames))
	return NewClient(ms, testNames, nil, testr.New(t)), ms
}

func TestSchemaCache_DescribesOnce(t *testing.T) {
	d := &countingDescriber{schema: sdk.Schema{Table: "t", PartitionKey: "id"}}
	cache := NewSchemaCache(d, testr.New(t))

	for i := 0; i < 2; i++ {
		s, err := cache.Get(context.Background(), "t")
		require.NoError(t, err)
		assert.Equal(t, "id", s.PartitionKey)
	}
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestSchemaCache_ConcurrentFirstCalls(t *testing.T) {
	d := &countingDescriber{schema: sdk.Schema{Table: "t", PartitionKey: "id"}}
	cache := NewSchemaCache(d, testr.New(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), "t")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Goroutines that start after the first Describe completes hit the cache;
	// overlapping ones share a flight. Either way the store sees few calls.
	assert.LessOrEqual(t, d.calls.Load(), int32(20))

	before := d.calls.Load()
	_, err := cache.Get(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, before, d.calls.Load())
}

func TestSchemaCache_NoPartitionKey(t *testing.T) {
	d := &countingDescriber{schema: sdk.Schema{Table: "t"}}
	cache := NewSchemaCache(d, testr.New(t))

	_, err := cache.Get(context.Background(), "t")
	var schemaErr *sdk.SchemaError
	require.ErrorAs(t, err, &schemaErr)

	// Failures are not cached.
	_, _ = cache.Get(context.Background(), "t")
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestSchemaCache_PropagatesStoreError(t *testing.T) {
	boom := &sdk.StoreError{Op: "describe", Table: "t", StatusCode: 500, Err: errors.New("boom")}
	cache := NewSchemaCache(&countingDescriber{err: boom}, testr.New(t))

	_, err := cache.Get(context.Background(), "t")
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.StatusCode)
}

func TestCoerce(t *testing.T) {
	s := sdk.Schema{
		Table:          "t",
		PartitionKey:   "id",
		AttributeTypes: map[string]string{"id": sdk.TypeString, "n": sdk.TypeNumber, "b": sdk.TypeBinary},
	}

	v, err := Coerce(s, "id", 42)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = Coerce(s, "n", "17")
	require.NoError(t, err)
	assert.Equal(t, int64(17), v)

	v, err = Coerce(s, "n", "1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	_, err = Coerce(s, "n", "seventeen")
	assert.ErrorIs(t, err, sdk.ErrTypeMismatch)

	v, err = Coerce(s, "b", []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), v)

	v, err = Coerce(s, "free", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, v)
}

func TestClient_UpdateKeepsMostGeneralPath(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	err := c.Update(ctx, ACL, sdk.Item{"identifier": "W1"}, map[string]any{"a": 1, "a.b": 2})
	require.NoError(t, err)

	items, err := c.QueryAll(ctx, ACL, "", "identifier", "W1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0]["a"])
}

// brokenDescribe fails every DescribeTable and records whether Update ran.
type brokenDescribe struct {
	*engine.MemStore
	updated bool
}

func (b *brokenDescribe) DescribeTable(ctx context.Context, table string) (sdk.Schema, error) {
	return sdk.Schema{}, &sdk.StoreError{Op: "describe", Table: table, StatusCode: 503, Err: errors.New("unavailable")}
}

func (b *brokenDescribe) Update(ctx context.Context, table string, key sdk.Key, sets map[string]any) error {
	b.updated = true
	return b.MemStore.Update(ctx, table, key, sets)
}

func TestClient_UpdateSurfacesSchemaErrors(t *testing.T) {
	ms := engine.NewMemStore(nil, nil)
	require.NoError(t, Provision(ms, testNames))
	store := &brokenDescribe{MemStore: ms}
	c := NewClient(store, testNames, nil, testr.New(t))

	err := c.Update(context.Background(), ACL, sdk.Item{"identifier": "W1"}, map[string]any{"a": 1})
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.StatusCode)
	assert.False(t, store.updated)
}

func TestClient_PutCoercesKeyTypes(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	require.NoError(t, c.Put(ctx, ACL, sdk.Item{"identifier": 7, "unit_id": "U1"}))

	items, err := c.QueryAll(ctx, ACL, IndexUnit, "unit_id", "U1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "7", items[0]["identifier"])
}

func TestClient_DeleteAndMissingKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	require.NoError(t, c.Put(ctx, Data, sdk.Item{"identifier": "W1", "sequence": "s1"}))
	require.NoError(t, c.Delete(ctx, Data, sdk.Item{"identifier": "W1", "sequence": "s1"}))

	items, err := c.QueryAll(ctx, Data, "", "identifier", "W1")
	require.NoError(t, err)
	assert.Empty(t, items)

	err = c.Delete(ctx, Data, sdk.Item{"identifier": "W1"})
	var schemaErr *sdk.SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestClient_ScanSortedAndPaging(t *testing.T) {
	ctx := context.Background()
	ms := engine.NewMemStore(nil, nil, engine.WithPageSize(2))
	require.NoError(t, Provision(ms, testNames))
	c := NewClient(ms, testNames, nil, testr.New(t))

	for _, row := range []sdk.Item{
		{"identifier": "W1", "unit_id": "U3"},
		{"identifier": "W2", "unit_id": "U1"},
		{"identifier": "W3", "unit_id": "U2"},
		{"identifier": "W4", "unit_id": "U1"},
		{"identifier": "W5", "unit_id": "U1"},
	} {
		require.NoError(t, c.Put(ctx, ACL, row))
	}

	items, err := c.ScanSorted(ctx, ACL, "", "unit_id")
	require.NoError(t, err)
	require.Len(t, items, 5)
	var units []string
	for _, item := range items {
		units = append(units, item["unit_id"].(string))
	}
	assert.Equal(t, []string{"U1", "U1", "U1", "U2", "U3"}, units)

	byUnit, err := c.QueryAll(ctx, ACL, IndexUnit, "unit_id", "U1")
	require.NoError(t, err)
	assert.Len(t, byUnit, 3)
}

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable("data")
	require.NoError(t, err)
	assert.Equal(t, Data, tbl)
	assert.Equal(t, "crowd-data", testNames[tbl])

	_, err = ParseTable("users")
	assert.Error(t, err)
}
