package sdk

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a table does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrTypeMismatch is returned when a value cannot be coerced to the declared attribute type.
	ErrTypeMismatch = errors.New("attribute type mismatch")
)

// Attribute types as declared by the store's table definition.
const (
	TypeString = "S"
	TypeNumber = "N"
	TypeBinary = "B"
)

// Item is a schema-on-write document. Values are strings, numbers, bools,
// byte slices, or nested maps/lists of those.
type Item map[string]any

// Key identifies a single item: the partition attribute plus the sort attribute, if any.
type Key map[string]any

// Page is one slice of a query or scan result. Next is empty when the
// result is complete.
type Page struct {
	Items []Item `json:"items"`
	Next  string `json:"next,omitempty"`
}

// Schema describes a table's primary key and the declared types of its key attributes.
type Schema struct {
	Table          string            `json:"table"`
	PartitionKey   string            `json:"partition_key"`
	SortKey        string            `json:"sort_key,omitempty"`
	AttributeTypes map[string]string `json:"attribute_types"`
	Indexes        map[string]string `json:"indexes,omitempty"` // index name -> key attribute
}

// KeyOf extracts the primary key of item according to s.
func (s Schema) KeyOf(item Item) (Key, error) {
	if s.PartitionKey == "" {
		return nil, &SchemaError{Table: s.Table, Reason: "no partition key"}
	}
	pk, ok := item[s.PartitionKey]
	if !ok {
		return nil, &SchemaError{Table: s.Table, Reason: "item is missing partition key " + s.PartitionKey}
	}
	key := Key{s.PartitionKey: pk}
	if s.SortKey != "" {
		sk, ok := item[s.SortKey]
		if !ok {
			return nil, &SchemaError{Table: s.Table, Reason: "item is missing sort key " + s.SortKey}
		}
		key[s.SortKey] = sk
	}
	return key, nil
}

// --- Functional Interfaces (Interface Segregation) ---

// Querier performs equality lookups on a primary or secondary key.
// An empty index addresses the table's primary key. Secondary index
// reads are eventually consistent. token resumes a truncated result.
type Querier interface {
	Query(ctx context.Context, table, index, keyName string, keyValue any, token string) (Page, error)
}

// Scanner enumerates a table or index page by page. Ordering is not guaranteed.
type Scanner interface {
	Scan(ctx context.Context, table, index, token string) (Page, error)
}

// Writer performs unconditional writes.
type Writer interface {
	// Put replaces the whole item addressed by its primary key.
	Put(ctx context.Context, table string, item Item) error
	// Update sets the named attribute paths on one item and leaves the rest untouched.
	// Paths may be dotted. Overlapping paths are compacted with CompactPaths.
	Update(ctx context.Context, table string, key Key, sets map[string]any) error
	Delete(ctx context.Context, table string, key Key) error
}

// Describer introspects a table's key schema.
type Describer interface {
	DescribeTable(ctx context.Context, table string) (Schema, error)
}

// --- Composite Interfaces ---

// Store is the full key-value contract. The embedded engine, the remote
// client and the DynamoDB adapter all implement it.
type Store interface {
	Querier
	Scanner
	Writer
	Describer
}
