// Package tables gives the rest of crowdgate typed access to its two logical
// tables. It memoizes each table's key schema and coerces values to the
// declared attribute types before they reach the store.
package tables

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// SchemaCache discovers a table's key schema once and serves it from memory afterwards.
type SchemaCache struct {
	describer sdk.Describer
	log       logr.Logger

	mu      sync.RWMutex
	schemas map[string]sdk.Schema
	group   singleflight.Group
}

// NewSchemaCache returns an empty cache backed by d.
func NewSchemaCache(d sdk.Describer, log logr.Logger) *SchemaCache {
	return &SchemaCache{describer: d, log: log, schemas: make(map[string]sdk.Schema)}
}

// Get returns the schema of table. Concurrent first calls share one
// DescribeTable request; failures are not cached.
func (c *SchemaCache) Get(ctx context.Context, table string) (sdk.Schema, error) {
	c.mu.RLock()
	s, ok := c.schemas[table]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.group.Do(table, func() (any, error) {
		c.mu.RLock()
		s, ok := c.schemas[table]
		c.mu.RUnlock()
		if ok {
			return s, nil
		}

		c.log.V(1).Info("describing table", "table", table)
		s, err := c.describer.DescribeTable(ctx, table)
		if err != nil {
			return sdk.Schema{}, err
		}
		if s.PartitionKey == "" {
			return sdk.Schema{}, &sdk.SchemaError{Table: table, Reason: "no partition key"}
		}
		if s.Table == "" {
			s.Table = table
		}

		c.mu.Lock()
		c.schemas[table] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return sdk.Schema{}, err
	}
	return v.(sdk.Schema), nil
}

// Invalidate forgets a cached schema.
func (c *SchemaCache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.schemas, table)
	c.mu.Unlock()
}

// Coerce converts v to the attribute type declared for attr in s. Attributes
// without a declared type pass through unchanged.
func Coerce(s sdk.Schema, attr string, v any) (any, error) {
	typ, ok := s.AttributeTypes[attr]
	if !ok {
		return v, nil
	}
	switch typ {
	case sdk.TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case bool:
			return strconv.FormatBool(t), nil
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return fmt.Sprint(t), nil
		}
	case sdk.TypeNumber:
		switch t := v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return t, nil
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n, nil
			}
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, nil
			}
		}
	case sdk.TypeBinary:
		switch t := v.(type) {
		case []byte:
			return t, nil
		case string:
			if b, err := base64.StdEncoding.DecodeString(t); err == nil {
				return b, nil
			}
			return []byte(t), nil
		}
	default:
		return nil, &sdk.SchemaError{Table: s.Table, Reason: fmt.Sprintf("attribute %s has unknown type %q", attr, typ)}
	}
	return nil, fmt.Errorf("%w: %s.%s wants %s, got %T", sdk.ErrTypeMismatch, s.Table, attr, typ, v)
}

// CoerceItem coerces every declared attribute of item, returning a new item.
func CoerceItem(s sdk.Schema, item sdk.Item) (sdk.Item, error) {
	out := make(sdk.Item, len(item))
	for k, v := range item {
		cv, err := Coerce(s, k, v)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}
